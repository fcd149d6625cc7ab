package shared

import "fmt"

var (
	ErrNotImplemented = fmt.Errorf("not implemented")

	// Configuration errors
	ErrMissingConfig      = fmt.Errorf("configuration not found")
	ErrInvalidConfig      = fmt.Errorf("invalid configuration")
	ErrMissingCredentials = fmt.Errorf("missing credentials")
	ErrInvalidCredentials = fmt.Errorf("invalid credentials")

	// Authentication errors
	ErrAuthFailed       = fmt.Errorf("authentication failed")
	ErrNotAuthenticated = fmt.Errorf("not authenticated")
	ErrInvalidSession   = fmt.Errorf("invalid session")
	ErrTimeout          = fmt.Errorf("operation timed out")

	// Source and upstream errors
	ErrAPIRequest         = fmt.Errorf("API request failed")
	ErrServiceUnavailable = fmt.Errorf("service unavailable")
	ErrRateLimited        = fmt.Errorf("rate limited by upstream")
	ErrSourceDisabled     = fmt.Errorf("source disabled")
	ErrPlaylistNotFound   = fmt.Errorf("playlist not found")
	ErrTrackNotFound      = fmt.Errorf("track not found")
	ErrInvalidTrack       = fmt.Errorf("invalid encoded track")

	// Session and player errors
	ErrSessionNotFound = fmt.Errorf("session not found")
	ErrPlayerNotFound  = fmt.Errorf("player not found")
	ErrFilterDisabled  = fmt.Errorf("filter disabled")

	// Persistence errors
	ErrUserNotFound   = fmt.Errorf("last.fm user not found")
	ErrPluginNotFound = fmt.Errorf("plugin not found")

	// Route planner errors
	ErrNoAddress            = fmt.Errorf("all addresses are failing")
	ErrRoutePlannerDisabled = fmt.Errorf("route planner disabled")

	// Input validation errors
	ErrInvalidInput    = fmt.Errorf("invalid input")
	ErrMissingArgument = fmt.Errorf("missing required argument")
	ErrInvalidArgument = fmt.Errorf("invalid argument")
	ErrInvalidFlag     = fmt.Errorf("invalid flag value")
)

// FriendlyError is an error whose message is safe to show to clients.
//
// Load failures carrying one are reported with common severity.
type FriendlyError struct {
	Message string
	Err     error
}

func (e *FriendlyError) Error() string {
	if e.Err != nil {
		return e.Message + ": " + e.Err.Error()
	}
	return e.Message
}

func (e *FriendlyError) Unwrap() error {
	return e.Err
}

// Friendly wraps err in a [FriendlyError] with msg.
func Friendly(msg string, err error) error {
	return &FriendlyError{Message: msg, Err: err}
}
