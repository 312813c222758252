// Package main provides a monocular visual odometry implementation of a SLAM module
package main

import (
	"context"

	"github.com/edaniels/golog"
	"go.viam.com/rdk/module"
	"go.viam.com/rdk/services/slam"
	"go.viam.com/utils"

	viammonovo "github.com/viamrobotics/viam-monovo"
)

func main() {
	utils.ContextualMain(mainWithArgs, golog.NewLogger("monovoModule"))
}

func mainWithArgs(ctx context.Context, args []string, logger golog.Logger) error {
	monovoModule, err := module.NewModuleFromArgs(ctx, logger)
	if err != nil {
		return err
	}

	if err = monovoModule.AddModelFromRegistry(ctx, slam.Subtype, viammonovo.Model); err != nil {
		return err
	}

	if err = monovoModule.Start(ctx); err != nil {
		return err
	}
	defer monovoModule.Close(ctx)
	<-ctx.Done()
	return nil
}
