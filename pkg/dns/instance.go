package dns

import (
	"fmt"
	"strconv"
	"strings"
)

// parseInstanceName splits an endpoint name into its service and number
//
// Supports formats:
//   - jetdb-1 -> serviceName="jetdb", instance=1
//   - web-api-3 -> serviceName="web-api", instance=3
func parseInstanceName(name string) (serviceName string, instanceNum int, err error) {
	lastHyphen := strings.LastIndex(name, "-")
	if lastHyphen == -1 {
		return "", 0, fmt.Errorf("not an instance name (no hyphen): %s", name)
	}

	num, err := strconv.Atoi(name[lastHyphen+1:])
	if err != nil {
		return "", 0, fmt.Errorf("not an instance name (invalid number): %s", name)
	}
	if num < 1 {
		return "", 0, fmt.Errorf("instance number must be >= 1: %s", name)
	}

	return name[:lastHyphen], num, nil
}

// makeInstanceName creates an endpoint DNS name
// Example: makeInstanceName("jetdb", 1) -> "jetdb-1"
func makeInstanceName(serviceName string, instanceNum int) string {
	return fmt.Sprintf("%s-%d", serviceName, instanceNum)
}
