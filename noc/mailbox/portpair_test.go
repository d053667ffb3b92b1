package mailbox

import (
	"net"
	"strconv"
)

// pickPortPair finds two consecutive free loopback ports so a single
// NodeInfo.Addr (mailbox port) can be offset by one for the portal port,
// matching noc.Fabric's convention.
func pickPortPair() (string, error) {
	for {
		l1, err := net.Listen("tcp", "127.0.0.1:0")
		if err != nil {
			return "", err
		}
		port1 := l1.Addr().(*net.TCPAddr).Port
		l1.Close()

		l2, err := net.Listen("tcp", net.JoinHostPort("127.0.0.1", strconv.Itoa(port1+1)))
		if err != nil {
			continue
		}
		l2.Close()

		return net.JoinHostPort("127.0.0.1", strconv.Itoa(port1)), nil
	}
}
