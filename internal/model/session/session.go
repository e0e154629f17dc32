package session

// Identity describes the authenticated dashboard user.
type Identity struct {
	ID         string `json:"id"`
	Role       string `json:"role"`
	BusinessID string `json:"businessId"`
}

// Session 保存当前的访问令牌与登录身份，令牌为空表示未登录。
type Session struct {
	AccessToken string    `json:"accessToken"`
	Identity    *Identity `json:"identity,omitempty"`
}

// Authenticated reports whether the session carries a usable token.
func (s Session) Authenticated() bool {
	return s.AccessToken != ""
}

// UserID returns the identity id or an empty string.
func (s Session) UserID() string {
	if s.Identity == nil {
		return ""
	}
	return s.Identity.ID
}
