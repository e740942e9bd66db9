// SPDX-License-Identifier: MIT

// Package adb is the Android transport: device discovery over the adb
// CLI, port forwarding, and the HTTP client for the on-device agent.
package adb

import (
	"context"
	"fmt"
	"os/exec"
	"strconv"
	"strings"
	"sync"

	"github.com/rs/zerolog"

	"github.com/tapgrid/tapgrid/internal/device"
	"github.com/tapgrid/tapgrid/internal/log"
)

// Transport lists devices via `adb devices -l` and enriches new arrivals
// with a one-time getprop probe. Probe results are cached per serial; a
// device that reconnects is probed again only if the cache was dropped.
type Transport struct {
	path   string
	logger zerolog.Logger

	mu     sync.Mutex
	probed map[device.ID]device.Info
}

// NewTransport creates a transport over the given adb binary. An empty
// path means "adb" from PATH.
func NewTransport(path string) *Transport {
	if path == "" {
		path = "adb"
	}
	return &Transport{
		path:   path,
		logger: log.WithComponent("adb"),
		probed: make(map[device.ID]device.Info),
	}
}

// List implements registry.Transport.
func (t *Transport) List(ctx context.Context) ([]device.Info, error) {
	out, err := t.run(ctx, "devices", "-l")
	if err != nil {
		return nil, fmt.Errorf("adb devices: %w", err)
	}

	serials := parseDevices(out)
	infos := make([]device.Info, 0, len(serials))
	for _, id := range serials {
		t.mu.Lock()
		info, ok := t.probed[id]
		t.mu.Unlock()
		if !ok {
			info = t.probe(ctx, id)
			t.mu.Lock()
			t.probed[id] = info
			t.mu.Unlock()
		}
		infos = append(infos, info)
	}
	return infos, nil
}

// Forward maps a host TCP port to the agent port on the device.
func (t *Transport) Forward(ctx context.Context, id device.ID, hostPort, devicePort int) error {
	_, err := t.run(ctx, "-s", string(id),
		"forward", fmt.Sprintf("tcp:%d", hostPort), fmt.Sprintf("tcp:%d", devicePort))
	if err != nil {
		return fmt.Errorf("adb forward %s: %w", id, err)
	}
	return nil
}

// RemoveForward drops a host port mapping. Removing an unknown forward
// is not an error.
func (t *Transport) RemoveForward(ctx context.Context, id device.ID, hostPort int) error {
	out, err := t.run(ctx, "-s", string(id), "forward", "--remove", fmt.Sprintf("tcp:%d", hostPort))
	if err != nil && !strings.Contains(out, "not found") {
		return fmt.Errorf("adb forward --remove %s: %w", id, err)
	}
	return nil
}

func (t *Transport) run(ctx context.Context, args ...string) (string, error) {
	cmd := exec.CommandContext(ctx, t.path, args...) // #nosec G204
	out, err := cmd.CombinedOutput()
	if err != nil {
		return string(out), fmt.Errorf("%s %s: %w: %s", t.path, strings.Join(args, " "), err, strings.TrimSpace(string(out)))
	}
	return string(out), nil
}

// probe collects hardware attributes via getprop, wm, dumpsys battery
// and /proc/meminfo. Probe failures degrade to a serial-only Info; the
// poll itself does not fail.
func (t *Transport) probe(ctx context.Context, id device.ID) device.Info {
	info := device.Info{ID: id, OS: "android"}

	props, err := t.run(ctx, "-s", string(id), "shell", "getprop")
	if err != nil {
		t.logger.Warn().Err(err).Str("device_id", string(id)).Msg("getprop probe failed")
		return info
	}
	for key, set := range map[string]func(string){
		"ro.product.brand":         func(v string) { info.Brand = v },
		"ro.product.model":         func(v string) { info.Model = v },
		"ro.build.version.release": func(v string) { info.OSVersion = v },
		"ro.product.cpu.abi":       func(v string) { info.CPUABI = v },
		"ro.build.version.sdk":     func(v string) { info.SDKLevel, _ = strconv.Atoi(v) },
		"ro.sf.lcd_density":        func(v string) { info.Density, _ = strconv.Atoi(v) },
	} {
		if v := propValue(props, key); v != "" {
			set(v)
		}
	}

	if out, err := t.run(ctx, "-s", string(id), "shell", "wm", "size"); err == nil {
		if w, h, ok := parseWMSize(out); ok {
			info.Width, info.Height = w, h
		}
	}
	if out, err := t.run(ctx, "-s", string(id), "shell", "dumpsys", "battery"); err == nil {
		if pct, ok := parseBatteryLevel(out); ok {
			info.BatteryPct = pct
		}
	}
	if out, err := t.run(ctx, "-s", string(id), "shell", "cat", "/proc/meminfo"); err == nil {
		if mb, ok := parseMemTotalMB(out); ok {
			info.MemoryMB = mb
		}
	}
	return info
}

// parseDevices extracts serials in state "device" from `adb devices -l`
// output. Offline and unauthorized entries are skipped.
func parseDevices(out string) []device.ID {
	var ids []device.ID
	for _, line := range strings.Split(out, "\n") {
		line = strings.TrimSpace(line)
		if line == "" || strings.HasPrefix(line, "List of devices") || strings.HasPrefix(line, "*") {
			continue
		}
		fields := strings.Fields(line)
		if len(fields) < 2 || fields[1] != "device" {
			continue
		}
		ids = append(ids, device.ID(fields[0]))
	}
	return ids
}

// propValue pulls one value out of getprop's `[key]: [value]` listing.
func propValue(props, key string) string {
	marker := "[" + key + "]: ["
	i := strings.Index(props, marker)
	if i < 0 {
		return ""
	}
	rest := props[i+len(marker):]
	j := strings.Index(rest, "]")
	if j < 0 {
		return ""
	}
	return rest[:j]
}

// parseWMSize parses `Physical size: 1080x2340`. An override line wins
// when present.
func parseWMSize(out string) (w, h int, ok bool) {
	for _, prefix := range []string{"Override size:", "Physical size:"} {
		i := strings.Index(out, prefix)
		if i < 0 {
			continue
		}
		dims := strings.TrimSpace(strings.SplitN(out[i+len(prefix):], "\n", 2)[0])
		parts := strings.SplitN(dims, "x", 2)
		if len(parts) != 2 {
			continue
		}
		w, errW := strconv.Atoi(strings.TrimSpace(parts[0]))
		h, errH := strconv.Atoi(strings.TrimSpace(parts[1]))
		if errW == nil && errH == nil {
			return w, h, true
		}
	}
	return 0, 0, false
}

// parseBatteryLevel parses the `level: 87` line of `dumpsys battery`.
func parseBatteryLevel(out string) (int, bool) {
	for _, line := range strings.Split(out, "\n") {
		line = strings.TrimSpace(line)
		v, ok := strings.CutPrefix(line, "level:")
		if !ok {
			continue
		}
		pct, err := strconv.Atoi(strings.TrimSpace(v))
		if err != nil || pct < 0 || pct > 100 {
			return 0, false
		}
		return pct, true
	}
	return 0, false
}

// parseMemTotalMB parses the `MemTotal:  5847040 kB` line of
// /proc/meminfo.
func parseMemTotalMB(out string) (int, bool) {
	for _, line := range strings.Split(out, "\n") {
		v, ok := strings.CutPrefix(strings.TrimSpace(line), "MemTotal:")
		if !ok {
			continue
		}
		fields := strings.Fields(v)
		if len(fields) == 0 {
			return 0, false
		}
		kb, err := strconv.Atoi(fields[0])
		if err != nil || kb <= 0 {
			return 0, false
		}
		return kb / 1024, true
	}
	return 0, false
}
