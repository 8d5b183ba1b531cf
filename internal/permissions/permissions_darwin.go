//go:build darwin

package permissions

/*
#cgo LDFLAGS: -framework AVFoundation
#import <AVFoundation/AVFoundation.h>

int checkMicrophonePermission() {
    AVAuthorizationStatus status = [AVCaptureDevice authorizationStatusForMediaType:AVMediaTypeAudio];
    return (int)status;
}

void requestMicrophonePermission() {
    [AVCaptureDevice requestAccessForMediaType:AVMediaTypeAudio completionHandler:^(BOOL granted) {}];
}
*/
import "C"

import (
	"fmt"

	"github.com/rs/zerolog"
)

// CheckMicrophone returns the current microphone permission status
func CheckMicrophone() Status {
	return Status(C.checkMicrophonePermission())
}

// RequestMicrophone triggers the system microphone permission dialog
func RequestMicrophone() {
	C.requestMicrophonePermission()
}

// EnsureMicrophone fails unless the process may capture audio. An
// undetermined status triggers the system prompt; capture can start on the
// next run once the user approves.
func EnsureMicrophone(log zerolog.Logger) error {
	status := CheckMicrophone()
	log.Debug().Str("status", status.String()).Msg("Microphone permission")
	if status == Authorized {
		return nil
	}

	if status == NotDetermined {
		log.Warn().Msg("Microphone permission required, requesting access")
		RequestMicrophone()
	} else {
		log.Warn().Msg("Enable microphone access in System Settings → Privacy & Security → Microphone")
	}
	return fmt.Errorf("%w (%s)", ErrMicrophoneDenied, status)
}
