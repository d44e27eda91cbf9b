package pipe

// DefaultPipeBuf is the fallback atomic-write threshold (bytes) used when the
// platform cannot report PIPE_BUF. On Linux/glibc, pathconf(path, PC_PIPE_BUF)
// always resolves to this same static constant rather than querying the
// kernel's (resizable, via F_GETPIPE_SZ) pipe buffer, so GetPipeBuf returns it
// directly instead of wrapping a syscall that would report the wrong thing.
const DefaultPipeBuf = 4096

// GetPipeBuf returns the number of bytes guaranteed to be written atomically
// to a pipe. fd is accepted for interface symmetry with implementations that
// can query a live descriptor; on the platforms this package supports, the
// value is the POSIX PIPE_BUF constant.
func GetPipeBuf(fd int) int {
	return DefaultPipeBuf
}
