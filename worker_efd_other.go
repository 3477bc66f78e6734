//go:build !linux

package tagmsg

func newEventFD() (int, error) {
	return -1, StatusErrUnsupported
}

func signalEventFD(int) {}

func drainEventFD(int) {}

func closeEventFD(int) {}
