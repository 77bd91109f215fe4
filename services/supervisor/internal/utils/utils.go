package utils

import (
	"context"
	"fmt"
	"math"
	"time"
)

const (
	minVolumeDB = -80.0
	maxVolumeDB = 18.0
)

// Sleep waits for d or until ctx is done, whichever comes first.
func Sleep(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}

// FormatPlaytime renders seconds as H:MM:SS.
func FormatPlaytime(seconds int) string {
	sign := ""
	if seconds < 0 {
		sign = "-"
		seconds = -seconds
	}
	return fmt.Sprintf("%s%d:%02d:%02d", sign, seconds/3600, (seconds/60)%60, seconds%60)
}

// WholeSeconds truncates d to whole seconds.
func WholeSeconds(d time.Duration) time.Duration {
	return d.Truncate(time.Second)
}

// VolumeLevel converts a relative dB volume into the receiver's absolute MV
// argument. Half steps carry a trailing 5: -40.5 dB -> "395".
func VolumeLevel(db float64) (string, error) {
	if math.IsNaN(db) || db < minVolumeDB || db > maxVolumeDB {
		return "", fmt.Errorf("volume %.1f dB outside %.0f..%.0f", db, minVolumeDB, maxVolumeDB)
	}
	level := math.Round((db-minVolumeDB)*2) / 2
	whole := int(level)
	if level-float64(whole) >= 0.5 {
		return fmt.Sprintf("%02d5", whole), nil
	}
	return fmt.Sprintf("%02d", whole), nil
}
