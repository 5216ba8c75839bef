package models

import "time"

// Token is either a request token or an access token, discriminated by
// AccessToken. A request token gains Verifier and AuthorizedUser once a
// user authorizes it; exchanging it replaces the record with a new
// access token that carries AuthorizedUser forward.
type Token struct {
	Value          string        `json:"value"`
	Secret         string        `json:"secret"`
	ConsumerKey    string        `json:"consumer_key"`
	AccessToken    bool          `json:"access_token"`
	CallbackURL    string        `json:"callback_url,omitempty"`
	CreationTime   int64         `json:"creation_time"` // epoch millis
	TimeToLive     time.Duration `json:"time_to_live"`
	Verifier       string        `json:"verifier,omitempty"`
	AuthorizedUser string        `json:"authorized_user,omitempty"`
}

// IsAuthorized reports whether a user has authorized this request token.
func (t *Token) IsAuthorized() bool {
	return t.Verifier != "" && t.AuthorizedUser != ""
}

// HasExpired reports whether more than TimeToLive has elapsed since the
// token was created.
func (t *Token) HasExpired(now time.Time) bool {
	return now.UnixMilli()-t.CreationTime > t.TimeToLive.Milliseconds()
}

// ExpiresAt returns the instant after which HasExpired is true.
func (t *Token) ExpiresAt() time.Time {
	return time.UnixMilli(t.CreationTime).Add(t.TimeToLive)
}

// ShortValue returns a prefix of the token value safe to put in logs.
func (t *Token) ShortValue() string {
	return Truncate(t.Value)
}

// Truncate shortens a token value for logging.
func Truncate(v string) string {
	const n = 8
	if len(v) <= n {
		return v
	}
	return v[:n] + "..."
}
