package storage

import "time"

type IService interface {
	// StoreFile persists an annotated frame and returns where it was written.
	StoreFile(cameraID string, at time.Time, jpeg []byte) (string, error)
}
