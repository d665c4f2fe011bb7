package reliability

import "github.com/gorilla/websocket"

// Close kinds used as log fields and metric labels.
const (
	CloseNormal     = "normal"
	CloseGoingAway  = "going_away"
	ClosePolicy     = "policy"
	CloseAbnormal   = "abnormal"
	CloseServerFail = "server_error"
	CloseOther      = "other"
)

// ClassifyCloseCode maps a websocket close code to a coarse kind.
func ClassifyCloseCode(code int) string {
	switch code {
	case websocket.CloseNormalClosure:
		return CloseNormal
	case websocket.CloseGoingAway:
		return CloseGoingAway
	case websocket.ClosePolicyViolation, websocket.CloseMessageTooBig, websocket.CloseUnsupportedData:
		return ClosePolicy
	case websocket.CloseAbnormalClosure, websocket.CloseNoStatusReceived:
		return CloseAbnormal
	case websocket.CloseInternalServerErr, websocket.CloseServiceRestart, websocket.CloseTryAgainLater:
		return CloseServerFail
	default:
		return CloseOther
	}
}

// IsExpectedClose reports whether a close code is part of an orderly shutdown.
func IsExpectedClose(code int) bool {
	switch ClassifyCloseCode(code) {
	case CloseNormal, CloseGoingAway:
		return true
	default:
		return false
	}
}

// IsRetryableHTTPStatus classifies handshake responses worth a manual restart.
func IsRetryableHTTPStatus(code int) bool {
	switch code {
	case 429, 500, 502, 503, 504:
		return true
	default:
		return false
	}
}
