// Package cgroups places a worker process in a dedicated cgroup v2 group so
// resource limits apply to its whole process tree and the tree can be killed
// with a single write.
package cgroups

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"
)

const (
	// DefaultRoot is where the unified cgroup v2 hierarchy is mounted.
	DefaultRoot = "/sys/fs/cgroup"

	cpuPeriodMicros = 100000
	procMountinfo   = "/proc/self/mountinfo"
	groupPrefix     = "agentshell-"

	destroyTimeout  = 5 * time.Second
	destroyInterval = 50 * time.Millisecond
)

// ResourceLimits describes the limits applied to a worker's cgroup. Zero
// values leave the corresponding controller unlimited.
type ResourceLimits struct {
	CPUMaxPercent  int64 `yaml:"cpu_max_percent"`
	MemoryMaxBytes int64 `yaml:"memory_max_bytes"`
	IOMaxBPS       int64 `yaml:"io_max_bps"`
}

// IsZero reports whether no limit is set.
func (l *ResourceLimits) IsZero() bool {
	return l == nil ||
		(l.CPUMaxPercent <= 0 && l.MemoryMaxBytes <= 0 && l.IOMaxBPS <= 0)
}

// Cgroup is a single cgroup directory owned by one worker.
type Cgroup struct {
	path string
	fd   *os.File
}

// Create makes the cgroup <root>/agentshell-<name>, applies limits and opens
// the directory so a process can be cloned directly into it.
func Create(root, name string, limits *ResourceLimits) (*Cgroup, error) {
	cg := &Cgroup{path: filepath.Join(root, groupPrefix+name)}

	if err := os.Mkdir(cg.path, 0755); err != nil {
		return nil, fmt.Errorf("make cgroup dir: %w", err)
	}

	if err := cg.applyLimits(limits); err != nil {
		os.RemoveAll(cg.path)
		return nil, fmt.Errorf("apply cgroup limits: %w", err)
	}

	fd, err := os.Open(cg.path)
	if err != nil {
		os.RemoveAll(cg.path)
		return nil, fmt.Errorf("open cgroup dir: %w", err)
	}

	cg.fd = fd

	return cg, nil
}

func (c *Cgroup) applyLimits(limits *ResourceLimits) error {
	if limits.IsZero() {
		return nil
	}

	if limits.CPUMaxPercent > 0 {
		quota := (limits.CPUMaxPercent * cpuPeriodMicros) / 100
		value := fmt.Sprintf("%d %d", quota, cpuPeriodMicros)

		if err := c.write("cpu.max", value); err != nil {
			return err
		}
	}

	if limits.MemoryMaxBytes > 0 {
		value := strconv.FormatInt(limits.MemoryMaxBytes, 10)

		if err := c.write("memory.max", value); err != nil {
			return err
		}
	}

	if limits.IOMaxBPS > 0 {
		device, err := detectRootDevice()
		if err != nil {
			return fmt.Errorf("detect root device: %w", err)
		}

		value := fmt.Sprintf(
			"%s rbps=%d wbps=%d",
			device,
			limits.IOMaxBPS,
			limits.IOMaxBPS,
		)

		if err := c.write("io.max", value); err != nil {
			return err
		}
	}

	return nil
}

func (c *Cgroup) write(file, value string) error {
	if err := os.WriteFile(
		filepath.Join(c.path, file),
		[]byte(value),
		0644,
	); err != nil {
		return fmt.Errorf("write %s: %w", file, err)
	}

	return nil
}

// FD returns the descriptor of the cgroup directory for use with
// SysProcAttr.CgroupFD. It returns -1 once the descriptor was released.
func (c *Cgroup) FD() int {
	if c.fd == nil {
		return -1
	}

	return int(c.fd.Fd())
}

// Release closes the directory descriptor. It is only needed until the
// process has been started.
func (c *Cgroup) Release() error {
	if c.fd == nil {
		return nil
	}

	err := c.fd.Close()
	c.fd = nil

	if err != nil {
		return fmt.Errorf("close cgroup fd: %w", err)
	}

	return nil
}

// Kill sends SIGKILL to every process in the cgroup.
func (c *Cgroup) Kill() error {
	return c.write("cgroup.kill", "1")
}

// Destroy kills anything left in the cgroup and removes it.
func (c *Cgroup) Destroy() error {
	c.Release()

	deadline := time.Now().Add(destroyTimeout)

	for {
		populated, err := c.populated()
		if err != nil {
			return err
		}

		if !populated {
			break
		}

		if time.Now().After(deadline) {
			return fmt.Errorf("cgroup %s still populated", c.path)
		}

		if err := c.Kill(); err != nil {
			return err
		}

		time.Sleep(destroyInterval)
	}

	if err := os.RemoveAll(c.path); err != nil {
		return fmt.Errorf("remove cgroup: %w", err)
	}

	return nil
}

// Path returns the cgroup directory.
func (c *Cgroup) Path() string {
	return c.path
}

func (c *Cgroup) populated() (bool, error) {
	data, err := os.ReadFile(filepath.Join(c.path, "cgroup.events"))
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return false, nil
		}

		return false, fmt.Errorf("read cgroup.events: %w", err)
	}

	fields := strings.Fields(string(data))
	for i, field := range fields {
		if field == "populated" && i+1 < len(fields) {
			return fields[i+1] == "1", nil
		}
	}

	return false, nil
}

func detectRootDevice() (string, error) {
	mountinfo, err := os.ReadFile(procMountinfo)
	if err != nil {
		return "", fmt.Errorf("read mountinfo: %w", err)
	}

	for line := range strings.SplitSeq(string(mountinfo), "\n") {
		fields := strings.Fields(line)
		if len(fields) < 5 {
			continue
		}

		if fields[4] == "/" {
			return fields[2], nil
		}
	}

	return "", fmt.Errorf("no root mount in %s", procMountinfo)
}

// ValidateRoot checks that root looks like a cgroup v2 hierarchy.
func ValidateRoot(root string) error {
	controllers := filepath.Join(root, "cgroup.controllers")
	if _, err := os.Stat(controllers); err != nil {
		return fmt.Errorf("cgroup root not valid at %s: %w", root, err)
	}

	return nil
}
