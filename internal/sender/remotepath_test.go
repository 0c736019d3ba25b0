package sender

import (
	"testing"
	"time"
)

func TestRemoteDirFromFilenameToken(t *testing.T) {
	// 1700000002 UTC is 2023-11-14 22:13:22; the site clock is +9h.
	got := RemoteDir("/remote/2k", "CAM01", "777_2_1700000002.jpg", granularityMinute, time.Unix(0, 0))
	want := "/remote/2k/CAM01/2023/11/15/07/13"
	if got != want {
		t.Errorf("RemoteDir = %q, want %q", got, want)
	}
}

func TestRemoteDirDayGranularity(t *testing.T) {
	got := RemoteDir("/remote/queue", "CAM01", "snap_1700000002", granularityDay, time.Unix(0, 0))
	want := "/remote/queue/CAM01/2023/11/15"
	if got != want {
		t.Errorf("RemoteDir = %q, want %q", got, want)
	}
}

func TestRemoteDirFallsBackToNow(t *testing.T) {
	now := time.Unix(1700000002, 0)
	got := RemoteDir("/remote/abn", "CAM01", "no-token.jpg", granularityMinute, now)
	want := "/remote/abn/CAM01/2023/11/15/07/13"
	if got != want {
		t.Errorf("RemoteDir = %q, want %q", got, want)
	}
}

func TestRemoteDirIsDeterministic(t *testing.T) {
	a := RemoteDir("/r", "CAM01", "x_1700000002.jpg", granularityMinute, time.Now())
	b := RemoteDir("/r", "CAM01", "x_1700000002.jpg", granularityMinute, time.Now().Add(time.Hour))
	if a != b {
		t.Errorf("same filename produced %q and %q", a, b)
	}
}
