// Package auth implements the handshake described in spec.md section 4.D:
// validating a client's Setup notification and producing (or reattaching)
// a Player. Grounded on archon's internal/auth (SHA-256 password hashing
// pattern) generalized from a single VerifyAccount/CreateAccount pair into
// the full multi-gate handshake, and on original_source/src/server/user/
// auth.cpp for exact gate ordering and RSA/PKCS1 padding semantics.
package auth

import (
	"crypto/rand"
	"crypto/rsa"
	"crypto/sha256"
	"encoding/hex"
	mathrand "math/rand"

	"github.com/Masterminds/semver/v3"
	"github.com/pkg/errors"

	"github.com/fkserver/core/internal/netio"
	"github.com/fkserver/core/internal/packman"
	"github.com/fkserver/core/internal/player"
	"github.com/fkserver/core/internal/router"
	"github.com/fkserver/core/internal/store"
	"github.com/fkserver/core/internal/wire"
)

// aesSessionKeyLen is the leading portion of the RSA-decrypted password
// buffer reserved, in the original implementation, for an AES session key
// that the core never reads. Open question in spec.md section 8: preserve
// the layout (strip these bytes before hashing) but the key itself is
// unused here — there is no AES channel on top of the TCP socket.
const aesSessionKeyLen = 32

var (
	ErrMalformedSetup  = errors.New("malformed Setup packet")
	ErrVersionMismatch = errors.New("client version not accepted")
	ErrUUIDBanned      = errors.New("device is banned")
	ErrFingerprint     = errors.New("content fingerprint mismatch")
	ErrInvalidName     = errors.New("name rejected")
	ErrBadPassword     = errors.New("incorrect password")
	ErrAccountBanned   = errors.New("account is banned")
	ErrDeviceLimit     = errors.New("too many accounts on this device")
)

// Registry is the subset of the user manager's bookkeeping the Auth Manager
// needs to resolve id collisions and publish a newly authenticated Player.
// Kept as an interface here so internal/user can depend on internal/auth
// without a back-import.
type Registry interface {
	FindByID(id int32) (*player.Player, bool)
	Remove(id int32)
	Install(p *player.Player)
}

// Manager performs the Setup handshake (spec.md section 4.D).
type Manager struct {
	key          *rsa.PrivateKey
	publicKey    []byte
	versionRange *semver.Constraints

	accounts   *store.AccountStore
	packages   *packman.Manager
	nameFilter *NameFilter

	maxPlayersPerDevice int
	whitelistEnabled    bool
}

// Config collects the handshake's tunable knobs, generalizing archon's
// plain two-string (username,password) auth into the full gate set.
type Config struct {
	KeyPath             string
	VersionRange        string
	BannedWords         []string
	MaxPlayersPerDevice int
	WhitelistEnabled    bool
}

func New(cfg Config, accounts *store.AccountStore, packages *packman.Manager) (*Manager, error) {
	key, err := LoadOrGenerateKeyPair(cfg.KeyPath)
	if err != nil {
		return nil, errors.Wrap(err, "loading handshake keypair")
	}

	constraints, err := semver.NewConstraint(cfg.VersionRange)
	if err != nil {
		return nil, errors.Wrap(err, "parsing accepted version range")
	}

	maxDevices := cfg.MaxPlayersPerDevice
	if maxDevices <= 0 {
		maxDevices = 1
	}

	return &Manager{
		key:                 key,
		publicKey:           PublicKeyBytes(key),
		versionRange:        constraints,
		accounts:            accounts,
		packages:            packages,
		nameFilter:          NewNameFilter(cfg.BannedWords),
		maxPlayersPerDevice: maxDevices,
		whitelistEnabled:    cfg.WhitelistEnabled,
	}, nil
}

// Greeting returns the NetworkDelayTest notification sent as the first
// server-to-client frame after accept (spec.md section 4.D / section 1).
func (m *Manager) Greeting() wire.Packet {
	return wire.NewNotification(wire.Notification|wire.ServerToClient, []byte("NetworkDelayTest"), m.publicKey)
}

// HandleSetup runs the full gate sequence against the first client-to-server
// packet on conn. On a gate failure it sends ErrorDlg (UpdatePackage with the
// package summary for a fingerprint mismatch), closes conn and returns the
// failing error; a store error while checking a gate is returned without a
// reply and without closing conn. On success it installs the authenticated
// Player into registry and returns it with a nil error.
func (m *Manager) HandleSetup(conn *netio.Connection, pkt wire.Packet, connID int32, registry Registry) (*player.Player, error) {
	// Gate 1: packet shape.
	if !pkt.IsNotification() || pkt.Type&wire.ClientToServer == 0 || string(pkt.Command) != "Setup" {
		m.reject(conn, "bad-shape")
		return nil, ErrMalformedSetup
	}

	name, password, fingerprint, version, uuid, err := wire.DecodeSetupPayload(pkt.Payload)
	if err != nil {
		m.reject(conn, "bad-shape")
		return nil, errors.Wrap(ErrMalformedSetup, err.Error())
	}

	// Gate 2: version range.
	clientVersion, err := semver.NewVersion(string(version))
	if err != nil || !m.versionRange.Check(clientVersion) {
		m.reject(conn, "version-rejected")
		return nil, ErrVersionMismatch
	}

	// Gate 3: UUID ban.
	banned, err := m.accounts.IsUUIDBanned(string(uuid))
	if err != nil {
		return nil, errors.Wrap(err, "checking uuid ban")
	}
	if banned {
		m.reject(conn, "device-banned")
		return nil, ErrUUIDBanned
	}

	// Gate 4: content fingerprint.
	want := m.packages.Fingerprint()
	if !bytesEqualToDigest(fingerprint, want) {
		conn.Send(wire.NewNotification(wire.Notification|wire.ServerToClient,
			[]byte("UpdatePackage"), m.packages.Summary()))
		conn.Close()
		return nil, ErrFingerprint
	}

	// Gate 5: name validity.
	screenName := m.nameFilter.Normalize(string(name))
	if !m.nameFilter.Valid(screenName) {
		m.reject(conn, "name-rejected")
		return nil, ErrInvalidName
	}
	if m.whitelistEnabled {
		whitelisted, err := m.accounts.IsWhitelisted(screenName)
		if err != nil {
			return nil, errors.Wrap(err, "checking whitelist")
		}
		if !whitelisted {
			m.reject(conn, "not-whitelisted")
			return nil, ErrInvalidName
		}
	}

	// Gate 6: password decrypt + register/verify.
	account, err := m.authenticate(screenName, password, string(uuid), conn.IPAddr())
	if err != nil {
		m.reject(conn, "bad-credentials")
		return nil, err
	}

	// Gate 7: account ban / temp ban expiry.
	if account.Banned {
		tempBanned, err := m.accounts.IsTempBanned(account.ID)
		if err != nil {
			return nil, errors.Wrap(err, "checking temp ban")
		}
		if tempBanned {
			m.reject(conn, "account-banned")
			return nil, ErrAccountBanned
		}
		// Temp ban has expired; consider the account unbanned going forward.
	}

	if err := m.accounts.RecordLogin(account.ID, conn.IPAddr(), string(uuid)); err != nil {
		return nil, errors.Wrap(err, "recording login")
	}

	// Gate 8: collision resolution.
	p := m.resolveCollision(account, screenName, conn, registry)
	// connId must be set before Install, which synchronously publishes p to
	// the rest of the server (Lobby/Room placement keyed by connId) via its
	// onAuthenticated callback.
	p.ConnID = connID
	registry.Install(p)
	return p, nil
}

func (m *Manager) resolveCollision(account *store.Account, screenName string, conn *netio.Connection, registry Registry) *player.Player {
	existing, found := registry.FindByID(account.ID)
	if !found {
		return m.newPlayer(account, screenName, conn)
	}

	switch existing.State() {
	case player.Run, player.Trust:
		// In-game: this is a reconnection. Adopt the socket into the
		// existing identity rather than publishing a second Player.
		existing.AdoptConnection(conn, router.New(func(p wire.Packet) error {
			conn.Send(p)
			return nil
		}))
		return existing
	case player.Online:
		// Kick the displaced session (spec.md section 4.D gate 8 / scenario
		// S2): it's unaware a second login just happened, so tell it before
		// dropping its socket out from under it.
		if existing.Router != nil {
			_ = existing.Router.Notify(wire.Notification|wire.ServerToClient,
				[]byte("ErrorDlg"), wire.EncodeText("others logged in again with this name"))
		}
		if existing.Conn != nil {
			_ = existing.Conn.Close()
		}
		existing.SetState(player.Offline)
		registry.Remove(existing.ID)
		return m.newPlayer(account, screenName, conn)
	default:
		registry.Remove(existing.ID)
		return m.newPlayer(account, screenName, conn)
	}
}

func (m *Manager) newPlayer(account *store.Account, screenName string, conn *netio.Connection) *player.Player {
	p := player.New()
	p.ID = account.ID
	p.ScreenName = screenName
	p.Avatar = account.Avatar
	p.UUID = account.UUID
	p.AdoptConnection(conn, router.New(func(pkt wire.Packet) error {
		conn.Send(pkt)
		return nil
	}))
	return p
}

// authenticate implements gate 6: decrypt the password with the server's
// private key, discard the leading AES-placeholder bytes, then register a
// new account or verify against the stored hash.
func (m *Manager) authenticate(name string, encryptedPassword []byte, uuid, ip string) (*store.Account, error) {
	decrypted, err := rsa.DecryptPKCS1v15(rand.Reader, m.key, encryptedPassword)
	if err != nil {
		return nil, errors.Wrap(ErrBadPassword, err.Error())
	}
	if len(decrypted) < aesSessionKeyLen {
		return nil, ErrBadPassword
	}
	password := string(decrypted[aesSessionKeyLen:])

	account, err := m.accounts.FindByName(name)
	if err != nil {
		return nil, errors.Wrap(err, "looking up account")
	}

	if account == nil {
		deviceCount, err := m.accounts.CountDevicesForUUID(uuid)
		if err != nil {
			return nil, errors.Wrap(err, "counting devices")
		}
		if deviceCount >= m.maxPlayersPerDevice {
			return nil, ErrDeviceLimit
		}

		salt := randomSalt()
		hash := HashWithSalt(password, salt)
		id, err := m.accounts.Register(name, hash, salt, uuid, ip)
		if err != nil {
			return nil, errors.Wrap(err, "registering account")
		}
		return &store.Account{ID: id, Name: name, PasswordHash: hash, Salt: salt, UUID: uuid, Avatar: "standard"}, nil
	}

	if HashWithSalt(password, account.Salt) != account.PasswordHash {
		return nil, ErrBadPassword
	}
	return account, nil
}

// HashWithSalt reproduces archon's HashPassword pattern (sha256, hex-encoded)
// generalized to take an explicit per-account salt.
func HashWithSalt(password, salt string) string {
	hash := sha256.New()
	hash.Write([]byte(password + salt))
	return hex.EncodeToString(hash.Sum(nil))
}

const saltChars = "0123456789abcdef"

func randomSalt() string {
	b := make([]byte, 8)
	for i := range b {
		b[i] = saltChars[mathrand.Intn(len(saltChars))]
	}
	return string(b)
}

func bytesEqualToDigest(fingerprint []byte, digest [32]byte) bool {
	if len(fingerprint) != len(digest) {
		return false
	}
	for i := range digest {
		if fingerprint[i] != digest[i] {
			return false
		}
	}
	return true
}

func (m *Manager) reject(conn *netio.Connection, code string) {
	payload, _ := wire.EncodeValue(code)
	conn.Send(wire.NewNotification(wire.Notification|wire.ServerToClient, []byte("ErrorDlg"), payload))
	conn.Close()
}
