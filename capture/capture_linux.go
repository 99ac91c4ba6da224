//go:build linux

package capture

import (
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"unsafe"

	"golang.org/x/sys/unix"

	"github.com/sharedcode/memwatch/ring"
)

// Userfaultfd ioctl/event constants, per
// include/uapi/linux/userfaultfd.h. Grounded on the uffd backend in the
// pack's e2b-dev-infra orchestrator example; golang.org/x/sys/unix does
// not expose these (they postdate its generated ioctl tables), so they
// are computed the same way asm-generic/ioctl.h does, the approach the
// dh-cli example's firecracker-go-sdk dependency also takes for its own
// Linux-specific ioctls.
const (
	iocNRBits    = 8
	iocTypeBits  = 8
	iocSizeBits  = 14
	iocNRShift   = 0
	iocTypeShift = iocNRShift + iocNRBits
	iocSizeShift = iocTypeShift + iocTypeBits
	iocDirShift  = iocSizeShift + iocSizeBits

	iocWrite = 1
	iocRead  = 2

	uffdIOCType = 0xAA

	uffdEventPagefault = 0x12

	uffdPagefaultFlagWrite = 1 << 0
	uffdPagefaultFlagWP    = 1 << 1

	uffdioRegisterModeMissing = 1 << 0
	uffdioRegisterModeWP      = 1 << 1

	uffdioWriteProtectModeWP = 1 << 0

	uffdAPI = 0xAA
)

func iocCmd(dir, nr, size uintptr) uintptr {
	return dir<<iocDirShift | uffdIOCType<<iocTypeShift | nr<<iocNRShift | size<<iocSizeShift
}

var (
	uffdioAPICmd          = iocCmd(iocRead|iocWrite, 0x3F, unsafe.Sizeof(uffdioAPI{}))
	uffdioRegisterCmd     = iocCmd(iocRead|iocWrite, 0x00, unsafe.Sizeof(uffdioRegister{}))
	uffdioUnregisterCmd   = iocCmd(iocRead, 0x01, unsafe.Sizeof(uffdioRange{}))
	uffdioWriteProtectCmd = iocCmd(iocRead|iocWrite, 0x06, unsafe.Sizeof(uffdioWriteProtect{}))
)

type uffdioAPI struct {
	api      uint64
	features uint64
	ioctls   uint64
}

type uffdioRange struct {
	start uint64
	len   uint64
}

type uffdioRegister struct {
	rng   uffdioRange
	mode  uint64
	ioctl uint64
}

type uffdioWriteProtect struct {
	rng  uffdioRange
	mode uint64
}

// uffdMsg mirrors struct uffd_msg. Only the pagefault arm of the union
// is consumed here since UFFDIO_REGISTER is only ever called with
// MISSING|WP, so UFFD_EVENT_PAGEFAULT is the only event this backend
// ever receives.
type uffdMsg struct {
	event     uint8
	reserved1 uint8
	reserved2 uint16
	reserved3 uint32
	arg       [24]byte
}

type uffdPagefault struct {
	flags   uint64
	address uint64
	// feat/ptid union, unused here.
	_ uint64
}

func ioctl(fd int, cmd uintptr, arg unsafe.Pointer) error {
	_, _, errno := unix.Syscall(unix.SYS_IOCTL, uintptr(fd), cmd, uintptr(arg))
	if errno != 0 {
		return errno
	}
	return nil
}

// faultBackend is the Linux Trap Handler: it registers each armed page
// range for write-protect notifications via userfaultfd and runs a
// dedicated poller goroutine that turns UFFD_EVENT_PAGEFAULT
// notifications into ring.Events.
type faultBackend struct {
	ring     Ring
	pageSize uintptr
	now      func() int64

	fd int

	mu      sync.Mutex
	started bool
	stopCh  chan struct{}
	exitR   int
	exitW   int
	wg      sync.WaitGroup

	lastErr atomic.Value
}

// NewFaultBackend opens a new userfaultfd instance configured for
// write-protect + missing-page notifications. It does not register any
// memory until the engine's page index calls ArmPage.
func NewFaultBackend(r Ring, pageSize uintptr, now func() int64) (Backend, error) {
	fd, _, errno := unix.Syscall(unix.SYS_USERFAULTFD, uintptr(unix.O_CLOEXEC|unix.O_NONBLOCK), 0, 0)
	if errno != 0 {
		return nil, fmt.Errorf("userfaultfd: %w", errno)
	}

	api := uffdioAPI{api: uffdAPI}
	if err := ioctl(int(fd), uffdioAPICmd, unsafe.Pointer(&api)); err != nil {
		unix.Close(int(fd))
		return nil, fmt.Errorf("UFFDIO_API: %w", err)
	}

	return &faultBackend{
		ring:     r,
		pageSize: pageSize,
		now:      now,
		fd:       int(fd),
	}, nil
}

func (b *faultBackend) Start() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.started {
		return nil
	}
	exitR, exitW, err := pipe2NonBlock()
	if err != nil {
		return fmt.Errorf("exit pipe: %w", err)
	}
	b.exitR, b.exitW = exitR, exitW
	b.stopCh = make(chan struct{})
	b.started = true
	b.wg.Add(1)
	go b.poll()
	return nil
}

func (b *faultBackend) Stop() error {
	b.mu.Lock()
	if !b.started {
		b.mu.Unlock()
		return nil
	}
	b.started = false
	close(b.stopCh)
	unix.Write(b.exitW, []byte{0})
	b.mu.Unlock()

	b.wg.Wait()
	unix.Close(b.exitR)
	unix.Close(b.exitW)
	return unix.Close(b.fd)
}

func (b *faultBackend) ArmPage(base uintptr) error {
	return ioctl(b.fd, uffdioWriteProtectCmd, unsafe.Pointer(&uffdioWriteProtect{
		rng:  uffdioRange{start: uint64(base), len: uint64(b.pageSize)},
		mode: uffdioWriteProtectModeWP,
	}))
}

func (b *faultBackend) DisarmPage(base uintptr) error {
	return ioctl(b.fd, uffdioWriteProtectCmd, unsafe.Pointer(&uffdioWriteProtect{
		rng:  uffdioRange{start: uint64(base), len: uint64(b.pageSize)},
		mode: 0,
	}))
}

// Register informs the kernel that [addr, addr+size) should raise
// missing+write-protect userfaultfd events. Called once per newly
// watched region by the engine before any ArmPage on its pages.
func (b *faultBackend) Register(addr, size uintptr) error {
	reg := uffdioRegister{
		rng:  uffdioRange{start: uint64(addr), len: uint64(size)},
		mode: uffdioRegisterModeMissing | uffdioRegisterModeWP,
	}
	if err := ioctl(b.fd, uffdioRegisterCmd, unsafe.Pointer(&reg)); err != nil {
		if errors.Is(err, unix.EBUSY) {
			return fmt.Errorf("region already carries foreign protection: %w", err)
		}
		return err
	}
	return nil
}

// Unregister undoes Register.
func (b *faultBackend) Unregister(addr, size uintptr) error {
	rng := uffdioRange{start: uint64(addr), len: uint64(size)}
	return ioctl(b.fd, uffdioUnregisterCmd, unsafe.Pointer(&rng))
}

func (b *faultBackend) poll() {
	defer b.wg.Done()

	fds := []unix.PollFd{
		{Fd: int32(b.fd), Events: unix.POLLIN},
		{Fd: int32(b.exitR), Events: unix.POLLIN},
	}

	buf := make([]byte, unsafe.Sizeof(uffdMsg{}))
	for {
		n, err := unix.Poll(fds, -1)
		if err != nil {
			if err == unix.EINTR {
				continue
			}
			b.lastErr.Store(err)
			return
		}
		if n == 0 {
			continue
		}
		if fds[1].Revents&unix.POLLIN != 0 {
			return
		}
		if fds[0].Revents&unix.POLLIN == 0 {
			continue
		}

		read, err := unix.Read(b.fd, buf)
		if err != nil {
			if err == unix.EAGAIN || err == unix.EINTR {
				continue
			}
			b.lastErr.Store(err)
			return
		}
		if read < len(buf) {
			continue
		}

		msg := (*uffdMsg)(unsafe.Pointer(&buf[0]))
		if msg.event != uffdEventPagefault {
			continue
		}
		pf := (*uffdPagefault)(unsafe.Pointer(&msg.arg[0]))
		addr := uintptr(pf.address)
		pageBase := addr &^ (b.pageSize - 1)

		b.ring.Push(ring.Event{
			PageBase:       pageBase,
			FaultIP:        0, // not exposed by UFFD_EVENT_PAGEFAULT; left zero.
			ThreadID:       int64(unix.Gettid()),
			Seq:            b.ring.NextSeq(),
			TimestampNanos: b.now(),
		})

		// Remove write-protection so the retrying instruction succeeds;
		// the worker re-arms it after the coalescing window.
		_ = ioctl(b.fd, uffdioWriteProtectCmd, unsafe.Pointer(&uffdioWriteProtect{
			rng:  uffdioRange{start: uint64(pageBase), len: uint64(b.pageSize)},
			mode: 0,
		}))
	}
}

func pipe2NonBlock() (r, w int, err error) {
	var fds [2]int
	if err := unix.Pipe2(fds[:], unix.O_CLOEXEC|unix.O_NONBLOCK); err != nil {
		return 0, 0, err
	}
	return fds[0], fds[1], nil
}
