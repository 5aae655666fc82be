package ice

import "fmt"

const (
	minValidPort = 1024
	maxValidPort = 65535
)

// validatePortRange enforces spec.md §4.2's bounds: 1024-65535 and
// min <= preferred <= max.
func validatePortRange(minPort, preferredPort, maxPort int) error {
	if minPort < minValidPort || maxPort > maxValidPort || minPort > maxPort {
		return fmt.Errorf("%w: port range [%d,%d] outside [%d,%d]", ErrInvalidArgument, minPort, maxPort, minValidPort, maxValidPort)
	}
	if preferredPort != 0 && (preferredPort < minPort || preferredPort > maxPort) {
		return fmt.Errorf("%w: preferred port %d outside [%d,%d]", ErrInvalidArgument, preferredPort, minPort, maxPort)
	}
	return nil
}

// portSearchOrder returns the sequence of ports portRangeBind tries: starting
// at preferred (or minPort if preferred is 0), incrementing, and wrapping
// from maxPort back to minPort, per spec.md §4.2.
func portSearchOrder(minPort, preferredPort, maxPort int) []int {
	if preferredPort == 0 {
		preferredPort = minPort
	}
	span := maxPort - minPort + 1
	order := make([]int, 0, span)
	for i := 0; i < span; i++ {
		port := preferredPort + i
		if port > maxPort {
			port = minPort + (port - maxPort - 1)
		}
		order = append(order, port)
	}
	return order
}

// portRangeBind tries each port from portSearchOrder in turn, calling try
// for each, until try succeeds, retries are exhausted (ErrPortsExhausted),
// or the search order itself runs out of ports.
func portRangeBind(minPort, preferredPort, maxPort, retries int, try func(port int) error) (int, error) {
	if err := validatePortRange(minPort, preferredPort, maxPort); err != nil {
		return 0, err
	}
	if retries <= 0 {
		retries = 50
	}

	order := portSearchOrder(minPort, preferredPort, maxPort)
	attempts := retries
	if attempts > len(order) {
		attempts = len(order)
	}

	var lastErr error
	for i := 0; i < attempts; i++ {
		port := order[i]
		if err := try(port); err != nil {
			lastErr = err
			continue
		}
		return port, nil
	}
	_ = lastErr
	return 0, fmt.Errorf("%w after %d attempts", ErrPortsExhausted, attempts)
}
