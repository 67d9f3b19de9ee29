package audio

import "errors"

// ErrDestroyed is returned by engine operations issued after Destroy.
var ErrDestroyed = errors.New("audio: engine destroyed")
