// Package network resolves which host port a DUT container's database
// port is published on — the "port=0 means discover via container
// inspection" half of the container lifecycle facade.
package network

import (
	"bufio"
	"fmt"
	"io"
	"regexp"
	"strconv"
	"strings"
)

// PatternFor builds the host-port regexp for an arbitrary container
// port, since not every DUT listens on 5432.
func PatternFor(containerPort int) *regexp.Regexp {
	return regexp.MustCompile(`0\.0\.0\.0:(\d+)->` + strconv.Itoa(containerPort) + `/tcp`)
}

// GetHostPort scans a docker-ps-style listing (one container per line,
// PORTS column somewhere in the line) for the row naming containerID and
// extracts the host-mapped port bound to containerPort.
func GetHostPort(r io.Reader, containerID string, containerPort int) (int, error) {
	pattern := PatternFor(containerPort)
	scanner := bufio.NewScanner(r)
	for scanner.Scan() {
		line := scanner.Text()
		if !containsID(line, containerID) {
			continue
		}
		m := pattern.FindStringSubmatch(line)
		if m == nil {
			continue
		}
		port, err := strconv.Atoi(m[1])
		if err != nil {
			return 0, fmt.Errorf("parse host port: %w", err)
		}
		return port, nil
	}
	if err := scanner.Err(); err != nil {
		return 0, err
	}
	return 0, fmt.Errorf("no published port found for container %s on port %d", containerID, containerPort)
}

// containsID matches on the first 12 characters, since listings
// commonly truncate container ids.
func containsID(line, id string) bool {
	if len(id) > 12 {
		id = id[:12]
	}
	return strings.Contains(line, id)
}
