// Package netfd holds the raw non-blocking socket helpers used by goco.
// Every call retries EINTR in place; EAGAIN and friends are returned as is.
package netfd

import (
	"errors"
	"net"
	"strconv"

	"golang.org/x/sys/unix"
)

// On success, the number of bytes read is returned (zero indicates socket closed)
// On error, -1 is returned, and err is set appropriately
func Read(fd int, buf []byte) (n int, err error) {
	for {
		n, err = unix.Read(fd, buf)
		if err == unix.EINTR {
			continue
		}
		return
	}
}

func Write(fd int, buf []byte) (n int, err error) {
	for {
		n, err = unix.Write(fd, buf)
		if err == unix.EINTR {
			continue
		}
		return
	}
}

// RecvFrom returns the sender address with the datagram
func RecvFrom(fd int, buf []byte) (n int, from unix.Sockaddr, err error) {
	for {
		n, from, err = unix.Recvfrom(fd, buf, 0)
		if err == unix.EINTR {
			continue
		}
		return
	}
}

// Send never raises SIGPIPE, EPIPE is returned instead
func Send(fd int, buf []byte) (n int, err error) {
	for {
		n, err = unix.SendmsgN(fd, buf, nil, nil, unix.MSG_NOSIGNAL)
		if err == unix.EINTR {
			continue
		}
		return
	}
}

func SendTo(fd int, buf []byte, to unix.Sockaddr) error {
	for {
		err := unix.Sendto(fd, buf, unix.MSG_NOSIGNAL, to)
		if err == unix.EINTR {
			continue
		}
		return err
	}
}

// Accept returns a non-blocking close-on-exec fd
func Accept(fd int) (nfd int, sa unix.Sockaddr, err error) {
	for {
		nfd, sa, err = unix.Accept4(fd, unix.SOCK_NONBLOCK|unix.SOCK_CLOEXEC)
		if err == unix.EINTR {
			continue
		}
		return
	}
}

// Connect starts a non-blocking connect, EINPROGRESS is the usual answer
func Connect(fd int, sa unix.Sockaddr) error {
	for {
		err := unix.Connect(fd, sa)
		if err == unix.EINTR {
			continue
		}
		return err
	}
}

// SoError fetches and clears the pending socket error, nil if none
func SoError(fd int) error {
	v, err := unix.GetsockoptInt(fd, unix.SOL_SOCKET, unix.SO_ERROR)
	if err != nil {
		return err
	}
	if v != 0 {
		return unix.Errno(v)
	}
	return nil
}

func Close(fd int) error {
	return unix.Close(fd)
}

// ParseAddr accepts 192.168.1.1:80, [::1]:80 or :80 (any IPv4 address)
func ParseAddr(addr string) (unix.Sockaddr, error) {
	host, portS, err := net.SplitHostPort(addr)
	if err != nil {
		return nil, errors.New("address is invalid! 192.168.1.1:80 or :80")
	}
	port, err := strconv.Atoi(portS)
	if err != nil || port < 0 || port > 65535 {
		return nil, errors.New("port must in [0, 65536)")
	}
	if host == "" {
		return &unix.SockaddrInet4{Port: port}, nil
	}
	ip := net.ParseIP(host)
	if ip == nil {
		ips, err := net.LookupIP(host)
		if err != nil || len(ips) == 0 {
			return nil, errors.New("address is invalid! unknown host " + host)
		}
		ip = ips[0]
	}
	if ip4 := ip.To4(); ip4 != nil {
		sa := &unix.SockaddrInet4{Port: port}
		copy(sa.Addr[:], ip4)
		return sa, nil
	}
	sa := &unix.SockaddrInet6{Port: port}
	copy(sa.Addr[:], ip.To16())
	return sa, nil
}

func family(sa unix.Sockaddr) int {
	if _, ok := sa.(*unix.SockaddrInet6); ok {
		return unix.AF_INET6
	}
	return unix.AF_INET
}

// Socket creates a non-blocking close-on-exec socket matching sa's family
func Socket(sa unix.Sockaddr, typ int) (int, error) {
	fd, err := unix.Socket(family(sa), typ|unix.SOCK_NONBLOCK|unix.SOCK_CLOEXEC, 0)
	if err != nil {
		return -1, errors.New("syscall socket: " + err.Error())
	}
	return fd, nil
}

// ListenOptions for Listen and ListenPacket
type ListenOptions struct {
	ReuseAddr    bool
	Backlog      int
	RecvBuffSize int // SO_RCVBUF, ignored when 0
}

// Listen creates a non-blocking listening TCP socket
func Listen(addr string, o ListenOptions) (int, error) {
	return bindSocket(addr, unix.SOCK_STREAM, o)
}

// ListenPacket creates a non-blocking bound UDP socket
func ListenPacket(addr string, o ListenOptions) (int, error) {
	return bindSocket(addr, unix.SOCK_DGRAM, o)
}

func bindSocket(addr string, typ int, o ListenOptions) (int, error) {
	sa, err := ParseAddr(addr)
	if err != nil {
		return -1, err
	}
	fd, err := Socket(sa, typ)
	if err != nil {
		return -1, err
	}
	if o.ReuseAddr {
		if err = unix.SetsockoptInt(fd, unix.SOL_SOCKET, unix.SO_REUSEADDR, 1); err != nil {
			unix.Close(fd)
			return -1, errors.New("Set SO_REUSEADDR: " + err.Error())
		}
	}
	if o.RecvBuffSize > 0 {
		// must be set before listen/connect
		// must < `sysctl -a | grep net.core.rmem_max`
		if err = unix.SetsockoptInt(fd, unix.SOL_SOCKET, unix.SO_RCVBUF, o.RecvBuffSize); err != nil {
			unix.Close(fd)
			return -1, errors.New("Set SO_RCVBUF: " + err.Error())
		}
	}
	if err = unix.Bind(fd, sa); err != nil {
		unix.Close(fd)
		return -1, errors.New("syscall bind: " + err.Error())
	}
	if typ == unix.SOCK_STREAM {
		backlog := o.Backlog
		if backlog < 1 {
			backlog = 128
		}
		if err = unix.Listen(fd, backlog); err != nil {
			unix.Close(fd)
			return -1, errors.New("syscall listen: " + err.Error())
		}
	}
	return fd, nil
}

// SockaddrString formats 192.168.0.1:8080 or [::1]:8080, "" if unknown
func SockaddrString(sa unix.Sockaddr) string {
	switch sa := sa.(type) {
	case *unix.SockaddrInet4:
		return net.JoinHostPort(net.IP(sa.Addr[:]).String(), strconv.Itoa(sa.Port))
	case *unix.SockaddrInet6:
		return net.JoinHostPort(net.IP(sa.Addr[:]).String(), strconv.Itoa(sa.Port))
	case *unix.SockaddrUnix:
		return sa.Name
	}
	return ""
}

// Return format 192.168.0.1:8080
// Return "", if error
func LocalAddr(fd int) string {
	sa, err := unix.Getsockname(fd)
	if err != nil {
		return ""
	}
	return SockaddrString(sa)
}

// Return format 192.168.0.1:8080
// Return "", if error
func RemoteAddr(fd int) string {
	sa, err := unix.Getpeername(fd)
	if err != nil {
		return ""
	}
	return SockaddrString(sa)
}

// Call after accept/connect
// must < `sysctl -a | grep net.core.wmem_max`
func SetSendBuffSize(fd, bytes int) error {
	if err := unix.SetsockoptInt(fd, unix.SOL_SOCKET, unix.SO_SNDBUF, bytes); err != nil {
		return errors.New("Set SO_SNDBUF: " + err.Error())
	}
	return nil
}

// 0:delay, 1:nodelay
func SetNoDelay(fd, v int) error {
	if err := unix.SetsockoptInt(fd, unix.IPPROTO_TCP, unix.TCP_NODELAY, v); err != nil {
		return errors.New("Set TCP_NODELAY: " + err.Error())
	}
	return nil
}

// The all params are in second
//
// idle: After establishing a connection, if there is no data transmission during the "idle" time, a keep-alive packet will be sent
// interval: The interval period after the start of probing
// times: If there is no response after "times" attempts, the connection will be closed.
func SetKeepAlive(fd, idle, interval, times int) error {
	if interval < 1 {
		return errors.New("keepalive interval invalid")
	}
	if err := unix.SetsockoptInt(fd, unix.SOL_SOCKET, unix.SO_KEEPALIVE, 1); err != nil {
		return errors.New("Set SO_KEEPALIVE: " + err.Error())
	}
	if err := unix.SetsockoptInt(fd, unix.IPPROTO_TCP, unix.TCP_KEEPIDLE, idle); err != nil {
		return errors.New("Set TCP_KEEPIDLE: " + err.Error())
	}
	if err := unix.SetsockoptInt(fd, unix.IPPROTO_TCP, unix.TCP_KEEPINTVL, interval); err != nil {
		return errors.New("Set TCP_KEEPINTVL: " + err.Error())
	}
	if err := unix.SetsockoptInt(fd, unix.IPPROTO_TCP, unix.TCP_KEEPCNT, times); err != nil {
		return errors.New("Set TCP_KEEPCNT: " + err.Error())
	}
	return nil
}
