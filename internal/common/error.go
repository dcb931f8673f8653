package common

import "fmt"

var (
	ErrConnect                      = fmt.Errorf("cannot connect to feed server")
	ErrAuthFailed                   = fmt.Errorf("feed server rejected credentials")
	ErrTransfer                     = fmt.Errorf("file transfer failed")
	ErrExtract                      = fmt.Errorf("archive extraction failed")
	ErrPersistence                  = fmt.Errorf("cannot persist run history")
	ErrSyncProcessHasAlreadyStarted = fmt.Errorf("sync process has already started")
)
