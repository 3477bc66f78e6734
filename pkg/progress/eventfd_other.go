//go:build !linux

package progress

func newEventFD(Worker) (Strategy, error) {
	return nil, ErrUnsupported
}
