package domain

// Principal is the public view of an authenticated user returned on login and refresh.
type Principal struct {
	ID       int64  `json:"id"`
	Username string `json:"username"`
	Role     string `json:"role"`
}

// LoginResult is returned by login and refresh.
type LoginResult struct {
	Token            string    `json:"token"`
	Principal        Principal `json:"principal"`
	ExpiresInSeconds int64     `json:"expires_in_seconds"`
}

// PrincipalOf builds the public principal view of a user.
func PrincipalOf(u *User) Principal {
	return Principal{ID: u.ID, Username: u.Username, Role: u.Role}
}
