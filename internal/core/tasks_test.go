package core

import (
	"errors"
	"testing"
	"time"
)

func TestTaskManagerShutdownAndWait(t *testing.T) {
	tm := NewTaskManager("test")

	done := make(chan struct{})
	tc := tm.Subscribe("worker")
	go func() {
		defer close(done)
		defer tc.Finish()
		<-tc.Done()
	}()

	if tm.IsShutdown() {
		t.Fatal("manager reports shutdown before signal")
	}
	tm.SignalShutdown()
	if !tm.IsShutdown() {
		t.Fatal("manager does not report shutdown after signal")
	}

	if !tm.Wait(time.Second) {
		t.Fatal("Wait timed out although the task finished")
	}
	<-done
}

func TestTaskManagerWaitTimeout(t *testing.T) {
	tm := NewTaskManager("test")
	tc := tm.Subscribe("stuck")
	defer tc.Finish()

	if tm.Wait(20 * time.Millisecond) {
		t.Fatal("Wait succeeded although a task never finished")
	}
}

func TestTaskClientSendWeStopped(t *testing.T) {
	tm := NewTaskManager("test")
	tc := tm.Subscribe("failing")
	defer tc.Finish()

	wantErr := errors.New("boom")
	tc.SendWeStopped(wantErr)

	if !tm.IsShutdown() {
		t.Fatal("fatal task error did not trigger shutdown")
	}
	select {
	case err := <-tm.Errors():
		if !errors.Is(err, wantErr) {
			t.Fatalf("got error %v, want %v", err, wantErr)
		}
	default:
		t.Fatal("no error on the manager channel")
	}
}
