package imagestore

import "errors"

// Error taxonomy for backing-image operations.
var (
	ErrNoSpace             = errors.New("imagestore: not enough free space")
	ErrFileSystemCluttered = errors.New("imagestore: filesystem too cluttered (too many extents or too little free space)")
	ErrIO                  = errors.New("imagestore: I/O error")
	ErrAlreadyExists       = errors.New("imagestore: image already exists")
	ErrNotFound            = errors.New("imagestore: image not found")
	ErrBusy                = errors.New("imagestore: image is mapped")
	ErrAborted             = errors.New("imagestore: aborted by progress callback")
	ErrPathInvalid         = errors.New("imagestore: metadata or data directory invalid")
)
