package daemon

import (
	"os"
	"os/exec"
	"testing"
	"time"
)

func TestPIDFileRoundTrip(t *testing.T) {
	dir := t.TempDir()

	if pid, err := ReadPID(dir); err != nil || pid != 0 {
		t.Fatalf("ReadPID with no file = %d, %v", pid, err)
	}

	if err := WritePID(dir, 4242); err != nil {
		t.Fatalf("WritePID: %v", err)
	}
	pid, err := ReadPID(dir)
	if err != nil || pid != 4242 {
		t.Fatalf("ReadPID = %d, %v", pid, err)
	}

	if err := RemovePID(dir); err != nil {
		t.Fatalf("RemovePID: %v", err)
	}
	if err := RemovePID(dir); err != nil {
		t.Fatalf("second RemovePID: %v", err)
	}
}

func TestIsRunning(t *testing.T) {
	if !IsRunning(os.Getpid()) {
		t.Error("own process reported dead")
	}
	if IsRunning(0) || IsRunning(-1) {
		t.Error("invalid pid reported alive")
	}
}

func TestStopProcess(t *testing.T) {
	cmd := exec.Command("sleep", "60")
	if err := cmd.Start(); err != nil {
		t.Skipf("cannot start sleep: %v", err)
	}
	pid := cmd.Process.Pid
	go func() { _ = cmd.Wait() }()

	if err := StopProcess(pid, 2*time.Second); err != nil {
		t.Errorf("StopProcess: %v", err)
	}
	deadline := time.Now().Add(time.Second)
	for IsRunning(pid) && time.Now().Before(deadline) {
		time.Sleep(10 * time.Millisecond)
	}
	if IsRunning(pid) {
		t.Error("process still alive")
	}
}
