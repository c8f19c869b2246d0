package model

import (
	"log/slog"
)

// BasicAuthCredential is a username/password pair for http(s) remotes.
type BasicAuthCredential struct {
	Username string
	Password string
}

func (c BasicAuthCredential) IsComplete() bool {
	return c.Username != "" && c.Password != ""
}

// Request holds the parameters of one remote operation. Location is the path
// of the local repository, it is never taken from the process working
// directory implicitly.
type Request struct {
	Location   string
	Remote     string
	Branch     string
	Credential *BasicAuthCredential
	// Force is honored by push only.
	Force bool
}

// LogValue implements slog.LogValuer and never prints the password.
func (r Request) LogValue() slog.Value {
	attrs := []slog.Attr{
		slog.String("location", r.Location),
		slog.String("remote", r.Remote),
		slog.String("branch", r.Branch),
	}
	if r.Credential != nil {
		attrs = append(attrs, slog.String("username", r.Credential.Username))
	}
	if r.Force {
		attrs = append(attrs, slog.Bool("force", true))
	}
	return slog.GroupValue(attrs...)
}
