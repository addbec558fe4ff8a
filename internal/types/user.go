package types

// UserDetail describes a remote account as returned in *_detail fields.
type UserDetail struct {
	ID       int    `json:"id"`
	Name     string `json:"name"`
	RealName string `json:"real_name,omitempty"`
	Email    string `json:"email"`
	Nick     string `json:"nick,omitempty"`
}
