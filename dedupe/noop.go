package dedupe

// NoOpGroup runs every write. Useful for tests and for backends that already
// serialize writes to one object.
type NoOpGroup struct{}

func NewNoOpGroup() *NoOpGroup {
	return &NoOpGroup{}
}

func (NoOpGroup) Do(_ string, fn func() error) (bool, error) {
	return false, fn()
}
