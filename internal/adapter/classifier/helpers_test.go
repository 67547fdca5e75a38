package classifier

import "github.com/wssAchilles/urbanpulse/internal/platform/retry"

func actionName(a retry.Action) string {
	switch a {
	case retry.Stop:
		return "stop"
	case retry.Retry:
		return "retry"
	case retry.After:
		return "after"
	default:
		return "unknown"
	}
}
