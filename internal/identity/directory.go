package identity

import (
	"sync"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/venuescout/accessguard/pkg/access"
	"github.com/venuescout/accessguard/pkg/config"
)

// User is a local identity
type User struct {
	Identity     string
	Role         string
	PasswordHash string
	TOTPSecret   string
}

// MFAEnrolled reports whether the user has a TOTP secret
func (u User) MFAEnrolled() bool {
	return u.TOTPSecret != ""
}

// Verification is the outcome of a successful login
type Verification struct {
	Identity    string `json:"identity"`
	Role        string `json:"role"`
	MFAVerified bool   `json:"mfa_verified"`
}

// Directory authenticates local identities
type Directory struct {
	users  map[string]User
	mutex  sync.RWMutex
	logger *logrus.Logger
	now    func() time.Time
}

// NewDirectory builds a directory from configured users
func NewDirectory(users []config.UserConfig, logger *logrus.Logger) *Directory {
	d := &Directory{
		users:  make(map[string]User, len(users)),
		logger: logger,
		now:    time.Now,
	}
	for _, u := range users {
		d.users[u.Identity] = User{
			Identity:     u.Identity,
			Role:         u.Role,
			PasswordHash: u.PasswordHash,
			TOTPSecret:   u.TOTPSecret,
		}
	}
	return d
}

// WithClock overrides the directory's time source
func (d *Directory) WithClock(now func() time.Time) *Directory {
	d.now = now
	return d
}

// Put adds or replaces a user
func (d *Directory) Put(u User) {
	d.mutex.Lock()
	defer d.mutex.Unlock()
	d.users[u.Identity] = u
}

// Lookup returns the user for identity
func (d *Directory) Lookup(identity string) (User, bool) {
	d.mutex.RLock()
	defer d.mutex.RUnlock()
	u, ok := d.users[identity]
	return u, ok
}

// Authenticate checks a password and, when given, a TOTP code. An unknown
// identity and a wrong password fail identically. A wrong or missing code
// does not fail the login; it leaves MFAVerified false.
func (d *Directory) Authenticate(identity, password, code string) (*Verification, error) {
	u, ok := d.Lookup(identity)
	if !ok || u.PasswordHash == "" {
		d.logger.WithField("identity", identity).Debug("Unknown identity")
		return nil, access.ErrBadCredentials
	}

	match, err := VerifyPassword(u.PasswordHash, password)
	if err != nil {
		d.logger.WithError(err).WithField("identity", identity).Error("Stored password hash is unusable")
		return nil, access.ErrBadCredentials
	}
	if !match {
		return nil, access.ErrBadCredentials
	}

	return &Verification{
		Identity:    u.Identity,
		Role:        u.Role,
		MFAVerified: u.MFAEnrolled() && VerifyTOTP(u.TOTPSecret, code, d.now()),
	}, nil
}
