// Package capabilities collects the Agent's capability info reported to the
// Controller at register time and on agent_info updates: platform, resource
// counts, which executor kinds are usable, and the remote target descriptor.
//
// Collection is best-effort — a host where gopsutil cannot read a probe
// still registers, just with fewer fields populated.
package capabilities

import (
	"runtime"

	"github.com/shirou/gopsutil/v4/cpu"
	"github.com/shirou/gopsutil/v4/host"
	"github.com/shirou/gopsutil/v4/mem"

	"github.com/ogent-io/ogent/shared/types"
)

// Collect builds the Info map for this host. kinds lists the executor
// variants the agent was configured with; remoteTarget is the opaque
// descriptor of the remote shell target, empty when remote execution is
// disabled.
func Collect(version string, kinds []types.ExecutorKind, remoteTarget string) types.Info {
	info := types.Info{
		Platform:      runtime.GOOS,
		Arch:          runtime.GOARCH,
		Version:       version,
		ExecutorKinds: kinds,
		RemoteTarget:  remoteTarget,
		Extra:         map[string]string{},
	}

	if hi, err := host.Info(); err == nil {
		info.Extra["hostname"] = hi.Hostname
		if hi.Platform != "" {
			info.Extra["platform"] = hi.Platform
		}
		if hi.KernelVersion != "" {
			info.Extra["kernel_version"] = hi.KernelVersion
		}
	}
	if n, err := cpu.Counts(true); err == nil {
		info.CPUCount = n
	}
	if vm, err := mem.VirtualMemory(); err == nil {
		info.MemoryTotalMB = vm.Total / (1024 * 1024)
	}

	return info
}
