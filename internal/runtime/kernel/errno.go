package kernel

import "fmt"

// Errno is a kernel error number. The values are part of the syscall ABI
// and must not be renumbered.
type Errno int32

const (
	ENOSYS       Errno = 1  // No such system call
	EUNIMP       Errno = 2  // Unimplemented feature
	ENOMEM       Errno = 3  // Out of memory
	EAGAIN       Errno = 4  // Operation would block
	EINTR        Errno = 5  // Interrupted system call
	EFAULT       Errno = 6  // Bad memory reference
	ENAMETOOLONG Errno = 7  // String too long
	EINVAL       Errno = 8  // Invalid argument
	EPERM        Errno = 9  // Operation not permitted
	EACCES       Errno = 10 // Permission denied
	EMPROC       Errno = 11 // Too many processes
	ENPROC       Errno = 12 // Too many processes in system
	ENOEXEC      Errno = 13 // File is not executable
	E2BIG        Errno = 14 // Argument list too long
	ESRCH        Errno = 15 // No such process
	ECHILD       Errno = 16 // No child processes
	ENOENT       Errno = 17 // No such file or directory
)

var errnoText = map[Errno]string{
	ENOSYS:       "function not implemented",
	EUNIMP:       "operation not implemented",
	ENOMEM:       "out of memory",
	EAGAIN:       "operation would block",
	EINTR:        "interrupted system call",
	EFAULT:       "bad memory reference",
	ENAMETOOLONG: "string too long",
	EINVAL:       "invalid argument",
	EPERM:        "operation not permitted",
	EACCES:       "permission denied",
	EMPROC:       "too many processes",
	ENPROC:       "too many processes in system",
	ENOEXEC:      "file is not executable",
	E2BIG:        "argument list too long",
	ESRCH:        "no such process",
	ECHILD:       "no child processes",
	ENOENT:       "no such file or directory",
}

func (e Errno) Error() string {
	if s, ok := errnoText[e]; ok {
		return s
	}
	return fmt.Sprintf("errno %d", int32(e))
}

// Sentinel aliases used throughout the core. Match them with errors.Is.
var (
	ErrNoMem         error = ENOMEM
	ErrTooManyRegion error = EUNIMP
	ErrFault         error = EFAULT
	ErrNoSuchProcess error = ESRCH
	ErrNotChild      error = ECHILD
	ErrProcTable     error = ENPROC
	ErrBadOptions    error = EINVAL
)

// killedError is returned to a thread whose process was terminated while it
// was executing a kernel operation on its behalf (for example a write to a
// read-only page). The thread must not touch its process afterwards.
type killedError struct {
	status int
}

func (e *killedError) Error() string {
	return fmt.Sprintf("process terminated (wait status %#x)", e.status)
}

func (e *killedError) Is(target error) bool { return target == ErrKilled }

// ErrKilled matches any error reporting that the calling process was killed.
var ErrKilled = &killedError{}

// Wait status encoding, as stored by _exit and returned by waitpid.
const (
	waitExited   = 0
	waitSignaled = 1
	waitCored    = 2
	waitStopped  = 3
)

// Signal numbers used for abnormal termination.
const (
	SIGSEGV = 11
)

// MkWaitExit encodes a normal exit with the given code.
func MkWaitExit(code int) int { return code<<2 | waitExited }

// MkWaitSig encodes termination by a signal-like cause.
func MkWaitSig(sig int) int { return sig<<2 | waitSignaled }

// MkWaitStop encodes a stopped process. Fresh processes start in this state
// until they exit.
func MkWaitStop(sig int) int { return sig<<2 | waitStopped }

func WIFEXITED(status int) bool   { return status&3 == waitExited }
func WIFSIGNALED(status int) bool { return status&3 == waitSignaled }
func WEXITSTATUS(status int) int  { return status >> 2 }
func WTERMSIG(status int) int     { return status >> 2 }
