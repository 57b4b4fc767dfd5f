package jobs

import (
	"math"
	"os"
	"path/filepath"
	"runtime"
	"strconv"
	"strings"
)

// コンテナ環境では runtime.NumCPU() がホストのCPU数を返すため、
// cgroup のCPUクォータを優先して読み取ります。

const defaultCgroupRoot = "/sys/fs/cgroup"

// DetectWorkerCount はこのプロセスが実際に利用できる並列度を返します。
// 設定でワーカー数が 0（自動）の場合に起動時に一度だけ呼ばれます。
//
// 解決順序:
//  1. cgroup v2 cpu.max（クォータを切り捨て、最低1）
//  2. cgroup v1 cpu.cfs_quota_us / cpu.cfs_period_us
//  3. ホストの論理コア数 - 1（最低1）
func DetectWorkerCount() int {
	return detectWorkerCount(defaultCgroupRoot)
}

func detectWorkerCount(cgroupRoot string) int {
	if cpus, ok := readCgroupV2(cgroupRoot); ok {
		return maxInt(1, int(math.Floor(cpus)))
	}
	if cpus, ok := readCgroupV1(cgroupRoot); ok {
		return maxInt(1, int(math.Floor(cpus)))
	}
	return maxInt(1, runtime.NumCPU()-1)
}

// readCgroupV2 は cpu.max を読み取ります。形式は "<quota> <period>" で、
// "max 100000" は制限なしを意味します。
func readCgroupV2(root string) (float64, bool) {
	data, err := os.ReadFile(filepath.Join(root, "cpu.max"))
	if err != nil {
		return 0, false
	}
	parts := strings.Fields(strings.TrimSpace(string(data)))
	if len(parts) != 2 || parts[0] == "max" {
		return 0, false
	}
	quota, err := strconv.Atoi(parts[0])
	if err != nil {
		return 0, false
	}
	period, err := strconv.Atoi(parts[1])
	if err != nil || quota <= 0 || period <= 0 {
		return 0, false
	}
	return float64(quota) / float64(period), true
}

// readCgroupV1 は cfs_quota_us / cfs_period_us を読み取ります。quota = -1 は制限なしです。
func readCgroupV1(root string) (float64, bool) {
	quota, err := readIntFile(filepath.Join(root, "cpu", "cpu.cfs_quota_us"))
	if err != nil {
		return 0, false
	}
	period, err := readIntFile(filepath.Join(root, "cpu", "cpu.cfs_period_us"))
	if err != nil || quota <= 0 || period <= 0 {
		return 0, false
	}
	return float64(quota) / float64(period), true
}

func readIntFile(path string) (int, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return 0, err
	}
	return strconv.Atoi(strings.TrimSpace(string(data)))
}

func maxInt(a, b int) int {
	if a > b {
		return a
	}
	return b
}
