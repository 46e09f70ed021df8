package camera

// Camera is the high-level interface used by the rest of the application.
// It represents an abstract "camera", regardless of how it's controlled
// (wired remote, IR, network protocol, etc.).
type Camera interface {
	// Shoot triggers a single photo capture.
	Shoot() error
}

// None is used when no remote is wired; Shoot does nothing.
type None struct{}

func (None) Shoot() error { return nil }
