package archive

import "github.com/biostream/lsl-recorder/internal/lsl"

// ChannelFormat re-exports lsl.ChannelFormat so archive call sites don't
// need to import both packages for one type.
type ChannelFormat = lsl.ChannelFormat

// Format* mirror the lsl package's channel format constants under names
// that read naturally alongside this package's shuffle/codec tables.
const (
	FormatFloat32 = lsl.Float32
	FormatFloat64 = lsl.Float64
	FormatInt32   = lsl.Int32
	FormatInt16   = lsl.Int16
	FormatInt8    = lsl.Int8
	FormatString  = lsl.String
)
