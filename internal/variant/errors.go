package variant

import (
	"errors"
	"fmt"
)

// ErrorKind classifies a decode failure
type ErrorKind int

const (
	ShapeMismatch ErrorKind = iota
	KeyNotFound
	IndexOutOfBounds
)

func (k ErrorKind) String() string {
	switch k {
	case ShapeMismatch:
		return "shape mismatch"
	case KeyNotFound:
		return "key not found"
	case IndexOutOfBounds:
		return "index out of bounds"
	default:
		return fmt.Sprintf("ErrorKind(%d)", int(k))
	}
}

// Sentinels for errors.Is matching against a *DecodeError
var (
	ErrShapeMismatch    = errors.New("variant: shape mismatch")
	ErrKeyNotFound      = errors.New("variant: key not found")
	ErrIndexOutOfBounds = errors.New("variant: index out of bounds")
)

// DecodeError reports which path segment of a value tree did not match the
// shape the caller asked for.
type DecodeError struct {
	Kind ErrorKind
	Path string
	Want string
	Got  string
	Len  int
}

func (e *DecodeError) Error() string {
	path := e.Path
	if path == "" {
		path = rootPath
	}
	switch e.Kind {
	case KeyNotFound:
		return fmt.Sprintf("variant: key not found at %s", path)
	case IndexOutOfBounds:
		return fmt.Sprintf("variant: index out of bounds at %s (len %d)", path, e.Len)
	default:
		return fmt.Sprintf("variant: shape mismatch at %s: want %s, got %s", path, e.Want, e.Got)
	}
}

// Is lets errors.Is match the sentinel for the error's kind
func (e *DecodeError) Is(target error) bool {
	switch target {
	case ErrShapeMismatch:
		return e.Kind == ShapeMismatch
	case ErrKeyNotFound:
		return e.Kind == KeyNotFound
	case ErrIndexOutOfBounds:
		return e.Kind == IndexOutOfBounds
	}
	return false
}

func mismatch(path string, want string, got Kind) *DecodeError {
	return &DecodeError{Kind: ShapeMismatch, Path: path, Want: want, Got: got.String()}
}
