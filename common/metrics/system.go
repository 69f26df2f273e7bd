package metrics

import (
	"os"
	"runtime"
	"strings"
	"sync"

	"github.com/prometheus/client_golang/prometheus"
)

// SystemInfo holds static host information captured once at startup
type SystemInfo struct {
	Hostname         string
	OS               string
	OSVersion        string
	Arch             string
	CPULogical       int
	GoVersion        string
	InContainer      bool
	ContainerRuntime string
}

var (
	systemInfo     *SystemInfo
	systemInfoOnce sync.Once
)

// GetSystemInfo returns cached system information
func GetSystemInfo() *SystemInfo {
	systemInfoOnce.Do(func() {
		systemInfo = captureSystemInfo()
	})
	return systemInfo
}

// captureSystemInfo gathers host information
func captureSystemInfo() *SystemInfo {
	info := &SystemInfo{
		OS:         runtime.GOOS,
		Arch:       runtime.GOARCH,
		CPULogical: runtime.NumCPU(),
		GoVersion:  runtime.Version(),
	}

	if hostname, err := os.Hostname(); err == nil {
		info.Hostname = hostname
	} else {
		info.Hostname = "unknown"
	}

	info.InContainer, info.ContainerRuntime = detectContainer()
	info.OSVersion = getOSVersion()

	return info
}

// detectContainer checks if running in a container
func detectContainer() (bool, string) {
	if _, err := os.Stat("/.dockerenv"); err == nil {
		return true, "docker"
	}

	if _, err := os.Stat("/var/run/secrets/kubernetes.io"); err == nil {
		return true, "kubernetes"
	}

	if data, err := os.ReadFile("/proc/1/cgroup"); err == nil {
		content := string(data)
		switch {
		case strings.Contains(content, "kubepods"):
			return true, "kubernetes"
		case strings.Contains(content, "docker"):
			return true, "docker"
		case strings.Contains(content, "containerd"):
			return true, "containerd"
		}
	}

	return false, ""
}

// getOSVersion reads the distribution name on Linux
func getOSVersion() string {
	if runtime.GOOS != "linux" {
		return runtime.GOOS
	}
	data, err := os.ReadFile("/etc/os-release")
	if err != nil {
		return "linux"
	}
	for _, line := range strings.Split(string(data), "\n") {
		if strings.HasPrefix(line, "PRETTY_NAME=") {
			return strings.Trim(strings.TrimPrefix(line, "PRETTY_NAME="), "\"")
		}
	}
	return "linux"
}

// systemInfoCollector exports SystemInfo as a constant info gauge
type systemInfoCollector struct {
	desc   *prometheus.Desc
	labels []string
}

func newSystemInfoCollector(info *SystemInfo) *systemInfoCollector {
	container := info.ContainerRuntime
	if !info.InContainer {
		container = "none"
	}
	return &systemInfoCollector{
		desc: prometheus.NewDesc(
			prometheus.BuildFQName(namespace, "", "system_info"),
			"Static host information for this lineage process.",
			[]string{"hostname", "os", "os_version", "arch", "go_version", "container"},
			nil,
		),
		labels: []string{info.Hostname, info.OS, info.OSVersion, info.Arch, info.GoVersion, container},
	}
}

func (c *systemInfoCollector) Describe(ch chan<- *prometheus.Desc) {
	ch <- c.desc
}

func (c *systemInfoCollector) Collect(ch chan<- prometheus.Metric) {
	ch <- prometheus.MustNewConstMetric(c.desc, prometheus.GaugeValue, 1, c.labels...)
}
