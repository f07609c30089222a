package dedupe

import "golang.org/x/sync/singleflight"

// SingleflightGroup shares in-flight writes between goroutines of one process.
type SingleflightGroup struct {
	group singleflight.Group
}

func NewSingleflightGroup() *SingleflightGroup {
	return &SingleflightGroup{}
}

func (s *SingleflightGroup) Do(key string, fn func() error) (bool, error) {
	_, err, shared := s.group.Do(key, func() (interface{}, error) {
		return nil, fn()
	})
	return shared, err
}
