package packlog

import "errors"

// ErrCorruptLog is returned when a log (or snapshot) file's size is not a
// multiple of packid.Size, or EOF is hit mid-record. Spec §7/§8 P8.
var ErrCorruptLog = errors.New("packlog: corrupt log (size is not a multiple of 20 bytes)")
