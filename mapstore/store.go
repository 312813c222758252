// Package mapstore owns the keyframes and landmarks of the sparse map and the observation edges
// between them.
package mapstore

import (
	"sync"

	"github.com/golang/geo/r2"
	"github.com/golang/geo/r3"
	"github.com/pkg/errors"
	"go.viam.com/rdk/pointcloud"
	"go.viam.com/rdk/rimage/transform"
	"gonum.org/v1/gonum/mat"

	"github.com/viamrobotics/viam-monovo/geometry"
)

var (
	// ErrDuplicateID is returned when registering a keyframe whose id is already stored.
	ErrDuplicateID = errors.New("duplicate id")
	// ErrUnknownIDReference is returned when an observation references a missing id.
	ErrUnknownIDReference = errors.New("unknown id reference")
)

// Keyframe is a stored keyframe. Pose is camera-to-world.
type Keyframe struct {
	ID        int
	Pose      *mat.Dense
	Landmarks []int
}

// Landmark is a triangulated map point in world coordinates.
type Landmark struct {
	ID       int
	Position r3.Vector
}

// Store is the map. All methods are safe for concurrent use.
type Store struct {
	mu         sync.RWMutex
	intrinsics *transform.PinholeCameraIntrinsics

	keyframes     []Keyframe
	keyframeIndex map[int]int
	landmarks     []Landmark
	landmarkIndex map[int]int
	nextLandmark  int
}

// New returns an empty store that normalizes image points with intrinsics.
func New(intrinsics *transform.PinholeCameraIntrinsics) (*Store, error) {
	if intrinsics == nil {
		return nil, transform.NewNoIntrinsicsError("map store requires intrinsics")
	}
	return &Store{
		intrinsics:    intrinsics,
		keyframeIndex: map[int]int{},
		landmarkIndex: map[int]int{},
	}, nil
}

// AddKeyframe registers a keyframe with an empty observation list.
func (s *Store) AddKeyframe(id int, pose mat.Matrix) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.keyframeIndex[id]; ok {
		return errors.Wrapf(ErrDuplicateID, "keyframe %d", id)
	}
	s.keyframeIndex[id] = len(s.keyframes)
	s.keyframes = append(s.keyframes, Keyframe{ID: id, Pose: mat.DenseCopyOf(pose)})
	return nil
}

// Triangulate intersects the rays of each correspondence seen from the camera-to-world poses
// pose1 and pose2, stores the resulting landmarks and returns their ids in correspondence order.
// Either every point is stored or none is.
func (s *Store) Triangulate(pose1, pose2 mat.Matrix, corr geometry.Correspondences) ([]int, error) {
	if err := corr.Validate(); err != nil {
		return nil, err
	}
	p1 := geometry.ProjectionMatrix(geometry.Inverse(pose1))
	p2 := geometry.ProjectionMatrix(geometry.Inverse(pose2))

	points := make([]r3.Vector, corr.Len())
	for i := range points {
		pt, err := geometry.TriangulateDLT(p1, p2, s.normalize(corr.Points1[i]), s.normalize(corr.Points2[i]))
		if err != nil {
			return nil, errors.Wrapf(err, "correspondence %d", i)
		}
		points[i] = pt
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	ids := make([]int, len(points))
	for i, pt := range points {
		id := s.nextLandmark
		s.nextLandmark++
		s.landmarkIndex[id] = len(s.landmarks)
		s.landmarks = append(s.landmarks, Landmark{ID: id, Position: pt})
		ids[i] = id
	}
	return ids, nil
}

func (s *Store) normalize(p r2.Point) r2.Point {
	x, y, _ := s.intrinsics.PixelToPoint(p.X, p.Y, 1)
	return r2.Point{X: x, Y: y}
}

// AddObservation records that keyframeID observes landmarkID.
func (s *Store) AddObservation(landmarkID, keyframeID int) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.landmarkIndex[landmarkID]; !ok {
		return errors.Wrapf(ErrUnknownIDReference, "landmark %d", landmarkID)
	}
	idx, ok := s.keyframeIndex[keyframeID]
	if !ok {
		return errors.Wrapf(ErrUnknownIDReference, "keyframe %d", keyframeID)
	}
	s.keyframes[idx].Landmarks = append(s.keyframes[idx].Landmarks, landmarkID)
	return nil
}

// Keyframe returns a copy of the keyframe with the given id.
func (s *Store) Keyframe(id int) (Keyframe, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	idx, ok := s.keyframeIndex[id]
	if !ok {
		return Keyframe{}, false
	}
	return copyKeyframe(s.keyframes[idx]), true
}

// LastKeyframe returns a copy of the most recently added keyframe.
func (s *Store) LastKeyframe() (Keyframe, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if len(s.keyframes) == 0 {
		return Keyframe{}, false
	}
	return copyKeyframe(s.keyframes[len(s.keyframes)-1]), true
}

// Keyframes returns copies of all keyframes in insertion order.
func (s *Store) Keyframes() []Keyframe {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]Keyframe, len(s.keyframes))
	for i, kf := range s.keyframes {
		out[i] = copyKeyframe(kf)
	}
	return out
}

// Landmark returns the landmark with the given id.
func (s *Store) Landmark(id int) (Landmark, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	idx, ok := s.landmarkIndex[id]
	if !ok {
		return Landmark{}, false
	}
	return s.landmarks[idx], true
}

// Landmarks returns all landmarks in id order.
func (s *Store) Landmarks() []Landmark {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]Landmark, len(s.landmarks))
	copy(out, s.landmarks)
	return out
}

// NumKeyframes returns the number of stored keyframes.
func (s *Store) NumKeyframes() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.keyframes)
}

// NumLandmarks returns the number of stored landmarks.
func (s *Store) NumLandmarks() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.landmarks)
}

// PointCloud returns the landmarks as a point cloud.
func (s *Store) PointCloud() (pointcloud.PointCloud, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	pc := pointcloud.NewWithPrealloc(len(s.landmarks))
	for _, lm := range s.landmarks {
		if err := pc.Set(lm.Position, pointcloud.NewBasicData()); err != nil {
			return nil, errors.Wrapf(err, "error adding landmark %d to point cloud", lm.ID)
		}
	}
	return pc, nil
}

func copyKeyframe(kf Keyframe) Keyframe {
	landmarks := make([]int, len(kf.Landmarks))
	copy(landmarks, kf.Landmarks)
	return Keyframe{ID: kf.ID, Pose: mat.DenseCopyOf(kf.Pose), Landmarks: landmarks}
}
