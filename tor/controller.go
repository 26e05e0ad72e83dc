package tor

import (
	"bytes"
	"crypto/hmac"
	"crypto/rand"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"net/textproto"
	"os"
	"regexp"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
)

const (
	// success is the Tor Control response code representing a successful
	// request.
	success = 250

	// nonceLen is the length of a nonce generated by either the controller
	// or the Tor server.
	nonceLen = 32

	// cookieLen is the length of the authentication cookie.
	cookieLen = 32

	// ProtocolInfoVersion is the `protocolinfo` version currently supported
	// by the Tor server.
	ProtocolInfoVersion = 1

	// MinTorVersion is the minimum supported version that the Tor server
	// must be running on. Earlier versions don't tag their bootstrap
	// notices, which the launcher relies on to track progress.
	MinTorVersion = "0.3.5.1"

	// authMethodNull is the authentication method that requires no
	// credentials.
	authMethodNull = "NULL"

	// authMethodHashedPassword is the authentication method that uses a
	// password to authenticate.
	authMethodHashedPassword = "HASHEDPASSWORD"

	// authMethodSafeCookie is the authentication method that uses a cookie
	// file and a challenge-response exchange.
	authMethodSafeCookie = "SAFECOOKIE"
)

// Signals understood by the Tor server through the SIGNAL command.
const (
	// SignalShutdown asks a client-only Tor to exit immediately.
	SignalShutdown = "SHUTDOWN"

	// SignalNewNym switches to clean circuits for new connections.
	SignalNewNym = "NEWNYM"

	// SignalDormant stops building circuits until the next use.
	SignalDormant = "DORMANT"

	// SignalActive wakes a dormant Tor.
	SignalActive = "ACTIVE"
)

var (
	// serverKey is used to compute the server hash of the SAFECOOKIE
	// authentication method.
	serverKey = []byte("Tor safe cookie authentication " +
		"server-to-controller hash")

	// controllerKey is used to compute the controller hash of the
	// SAFECOOKIE authentication method.
	controllerKey = []byte("Tor safe cookie authentication " +
		"controller-to-server hash")

	// errCodeNotMatch is used when an expected response code is not
	// returned.
	errCodeNotMatch = errors.New("unexpected code")

	// errTCNotStarted is used when we want to make sure the tor controller
	// is started.
	errTCNotStarted = errors.New("tor controller must be started")

	// errTCStopped is used when we want to make sure the tor controller
	// is not stopped.
	errTCStopped = errors.New("tor controller must not be stopped")

	// ErrNoAuthMethod is returned when none of the authentication methods
	// offered by the Tor server can be used.
	ErrNoAuthMethod = errors.New("no supported authentication method")

	// replyFieldRegexp matches the key=value pairs of a reply. Values are
	// either quoted strings, which may contain escaped characters, or a
	// run of non-space characters.
	replyFieldRegexp = regexp.MustCompile(
		`(\S+)=("(?:\\.|[^"\\])*"|\S+)`,
	)
)

// Controller is a client of the Tor Control protocol, used to query the
// bootstrap progress of the embedded daemon and to signal it. It
// authenticates with the NULL, HASHEDPASSWORD or SAFECOOKIE method, whichever
// the server offers first in that order.
//
// NOTE: The connection to the Tor server must be authenticated before
// proceeding to send commands. Otherwise, the connection will be closed.
type Controller struct {
	started int32 // To be used atomically.
	stopped int32 // To be used atomically.

	// mu serializes commands on the connection.
	mu sync.Mutex

	// conn is the underlying connection between the controller and the
	// Tor server. It provides read and write methods to simplify the
	// text-based messages within the connection.
	conn *textproto.Conn

	// controlAddr is the host:port the Tor server is listening locally for
	// controller connections on.
	controlAddr string

	// password, if non-empty, signals that the controller should attempt
	// to authenticate itself with the backing Tor daemon through the
	// HASHEDPASSWORD authentication method with this value.
	password string

	// version is the current version of the Tor server.
	version string
}

// NewController returns a new Tor controller that will be able to interact with
// a Tor server.
func NewController(controlAddr string, password string) *Controller {
	return &Controller{
		controlAddr: controlAddr,
		password:    password,
	}
}

// Start establishes and authenticates the connection between the controller
// and a Tor server. Once done, the controller will be able to send commands
// and expect responses.
func (c *Controller) Start() error {
	if !atomic.CompareAndSwapInt32(&c.started, 0, 1) {
		return nil
	}

	log.Info("Starting tor controller")

	conn, err := textproto.Dial("tcp", c.controlAddr)
	if err != nil {
		return fmt.Errorf("unable to connect to Tor server: %w", err)
	}

	c.conn = conn

	if err := c.authenticate(); err != nil {
		return err
	}

	if c.version == "" {
		return nil
	}

	return checkVersion(c.version)
}

// Stop closes the connection between the controller and the Tor server.
func (c *Controller) Stop() error {
	if !atomic.CompareAndSwapInt32(&c.stopped, 0, 1) {
		return nil
	}

	log.Info("Stopping tor controller")

	if c.conn == nil {
		return nil
	}

	return c.conn.Close()
}

// Reconnect makes a new socket connection between the tor controller and
// daemon. It will attempt to close the old connection, make a new connection
// and authenticate, and finally reset the version cached by the controller.
func (c *Controller) Reconnect() error {
	// Require the tor controller to be running when we want to reconnect.
	// This means the started flag must be 1 and the stopped flag must be
	// 0.
	if atomic.LoadInt32(&c.started) != 1 {
		return errTCNotStarted
	}
	if atomic.LoadInt32(&c.stopped) != 0 {
		return errTCStopped
	}

	log.Info("Re-connecting tor controller")

	c.mu.Lock()
	defer c.mu.Unlock()

	// If we have an old connection, try to close it. We might receive an
	// error if the connection has already been closed by Tor daemon(ie,
	// daemon restarted), so we ignore the error here.
	if c.conn != nil {
		if err := c.conn.Close(); err != nil {
			log.Debugf("closing old conn got err: %v", err)
		}
	}

	// Make a new connection and authenticate.
	conn, err := textproto.Dial("tcp", c.controlAddr)
	if err != nil {
		return fmt.Errorf("unable to connect to Tor server: %w", err)
	}

	c.conn = conn

	// Authenticate the connection between the controller and Tor daemon.
	return c.authenticateLocked()
}

// Version returns the version of the Tor server, as reported during
// authentication.
func (c *Controller) Version() string {
	c.mu.Lock()
	defer c.mu.Unlock()

	return c.version
}

// sendCommand sends a command to the Tor server and returns its response, as a
// single space-delimited string, and code.
func (c *Controller) sendCommand(command string) (int, string, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	return c.sendCommandLocked(command)
}

// sendCommandLocked sends a command without taking the mutex.
func (c *Controller) sendCommandLocked(command string) (int, string, error) {
	id, err := c.conn.Cmd("%v", command)
	if err != nil {
		return 0, "", err
	}

	// Make sure our reader only process the response sent for this
	// command.
	c.conn.StartResponse(id)
	defer c.conn.EndResponse(id)

	return c.readResponse(success)
}

// readResponse reads the replies from Tor to the controller. The reply has the
// following format,
//
//	Reply = SyncReply / AsyncReply
//	SyncReply = *(MidReplyLine / DataReplyLine) EndReplyLine
//	AsyncReply = *(MidReplyLine / DataReplyLine) EndReplyLine
//
//	MidReplyLine = StatusCode "-" ReplyLine
//	DataReplyLine = StatusCode "+" ReplyLine CmdData
//	EndReplyLine = StatusCode SP ReplyLine
//	ReplyLine = [ReplyText] CRLF
//	ReplyText = XXXX
//	StatusCode = 3DIGIT
//
// Unless specified otherwise, multiple lines in a single reply from Tor daemon
// to the controller are guaranteed to share the same status code.
func (c *Controller) readResponse(expected int) (int, string, error) {
	// Clean the buffer inside the conn. This is needed when we encountered
	// an error while reading the response, the remaining lines need to be
	// cleaned before next read.
	defer func() {
		if _, err := c.conn.R.Discard(c.conn.R.Buffered()); err != nil {
			log.Errorf("clean read buffer failed: %v", err)
		}
	}()

	reply, code := "", 0
	for {
		line, err := c.conn.ReadLine()
		if err != nil {
			return code, reply, err
		}
		log.Tracef("Reading line: %v", line)

		// Line being shorter than 4 is not allowed.
		if len(line) < 4 {
			err = textproto.ProtocolError("short line: " + line)
			return 0, reply, err
		}

		// Parse the status code.
		code, err = strconv.Atoi(line[0:3])
		if err != nil {
			return code, reply, err
		}

		switch line[3] {
		// EndReplyLine = StatusCode SP ReplyLine.
		// Example: 250 OK
		// This also marks the end of the response.
		case ' ':
			reply += line[4:]
			if code != expected {
				return code, reply, errCodeNotMatch
			}

			return code, reply, nil

		// MidReplyLine = StatusCode "-" ReplyLine
		// Example: 250-version=...
		case '-':
			reply += line[4:] + "\n"

		// DataReplyLine = StatusCode "+" ReplyLine CmdData
		// Example: 250+config-text=
		//          line1
		//          line2
		//          more lines...
		//          .
		case '+':
			reply += line[4:]

			// Read the data lines until we reach the terminating
			// single dot.
			dotLines, err := c.conn.ReadDotLines()
			if err != nil {
				return code, reply, err
			}

			reply += strings.Join(dotLines, ",") + "\n"

		default:
			return code, reply, textproto.ProtocolError(
				"invalid line: " + line,
			)
		}
	}
}

// unescapeValue removes escape codes from a value in a Tor reply. A
// backslash escapes the character following it, including another
// backslash.
func unescapeValue(value string) string {
	var (
		b       strings.Builder
		escaped bool
	)
	for _, r := range value {
		if !escaped && r == '\\' {
			escaped = true
			continue
		}

		escaped = false
		b.WriteRune(r)
	}

	return b.String()
}

// parseTorReply parses the reply from the Tor server after receiving a command
// from a controller. This will parse the relevant reply parameters into a map
// of keys and values.
func parseTorReply(reply string) map[string]string {
	params := make(map[string]string)

	// Find all fields of a reply. The -1 indicates that we want this to
	// find all instances of the regexp.
	contents := replyFieldRegexp.FindAllStringSubmatch(reply, -1)
	for _, content := range contents {
		// Each element in the content slice is a slice of strings,
		// where the first element is the whole match and the following
		// two are the key and value.
		if len(content) != 3 {
			continue
		}

		key := content[1]
		value := content[2]

		// Quoted values are stripped of their quotes and unescaped.
		if len(value) >= 2 && strings.HasPrefix(value, `"`) &&
			strings.HasSuffix(value, `"`) {

			value = unescapeValue(value[1 : len(value)-1])
		}

		params[key] = value
	}

	return params
}

// authenticate authenticates the connection between the controller and the
// Tor server.
func (c *Controller) authenticate() error {
	c.mu.Lock()
	defer c.mu.Unlock()

	return c.authenticateLocked()
}

// authenticateLocked picks the strongest authentication method both sides
// support and authenticates with it.
func (c *Controller) authenticateLocked() error {
	// Before proceeding to authenticate the connection, we'll retrieve
	// the authentication methods the Tor server supports.
	info, err := c.protocolInfo()
	if err != nil {
		return fmt.Errorf("unable to retrieve protocol info from Tor "+
			"server: %w", err)
	}

	// With the version retrieved, we'll cache it now in case it needs to
	// be used later on.
	c.version = info.version()

	switch {
	// If the Tor server supports the NULL method, no credentials are
	// required.
	case info.supportsAuthMethod(authMethodNull):
		_, _, err := c.sendCommandLocked("AUTHENTICATE")
		return err

	// If a password was configured and the server supports it, we'll use
	// HASHEDPASSWORD.
	case c.password != "" &&
		info.supportsAuthMethod(authMethodHashedPassword):

		passwordHex := hex.EncodeToString([]byte(c.password))
		cmd := fmt.Sprintf("AUTHENTICATE %s", passwordHex)
		_, _, err := c.sendCommandLocked(cmd)

		return err

	case info.supportsAuthMethod(authMethodSafeCookie):
		return c.authenticateSafeCookie(info.cookieFilePath())

	default:
		return fmt.Errorf("%w: server offers %q", ErrNoAuthMethod,
			info["METHODS"])
	}
}

// authenticateSafeCookie runs the SAFECOOKIE challenge-response exchange
// using the cookie stored at cookiePath.
func (c *Controller) authenticateSafeCookie(cookiePath string) error {
	cookie, err := os.ReadFile(cookiePath)
	if err != nil {
		return fmt.Errorf("unable to read authentication cookie: %w",
			err)
	}
	if len(cookie) != cookieLen {
		return fmt.Errorf("invalid authentication cookie length: "+
			"expected %d, got %d", cookieLen, len(cookie))
	}

	// Authenticating using the SAFECOOKIE authentication method is a two
	// step process. We'll kick off the authentication routine by sending
	// the AUTHCHALLENGE command followed by a hex-encoded 32-byte nonce.
	clientNonce := make([]byte, nonceLen)
	if _, err := rand.Read(clientNonce); err != nil {
		return fmt.Errorf("unable to generate client nonce: %w", err)
	}

	cmd := fmt.Sprintf("AUTHCHALLENGE SAFECOOKIE %x", clientNonce)
	_, reply, err := c.sendCommandLocked(cmd)
	if err != nil {
		return err
	}

	// If successful, the reply from the server should be of the following
	// format:
	//
	//	"250 AUTHCHALLENGE"
	//		SP "SERVERHASH=" ServerHash
	//		SP "SERVERNONCE=" ServerNonce
	//		CRLF
	//
	// We're interested in retrieving the SERVERHASH and SERVERNONCE
	// parameters, so we'll parse our reply to do so.
	replyParams := parseTorReply(reply)

	// Once retrieved, we'll ensure these values are of proper length when
	// decoded.
	serverHash, ok := replyParams["SERVERHASH"]
	if !ok {
		return errors.New("server hash not found in reply")
	}
	decodedServerHash, err := hex.DecodeString(serverHash)
	if err != nil {
		return fmt.Errorf("unable to decode server hash: %w", err)
	}
	if len(decodedServerHash) != sha256.Size {
		return errors.New("invalid server hash length")
	}

	serverNonce, ok := replyParams["SERVERNONCE"]
	if !ok {
		return errors.New("server nonce not found in reply")
	}
	decodedServerNonce, err := hex.DecodeString(serverNonce)
	if err != nil {
		return fmt.Errorf("unable to decode server nonce: %w", err)
	}
	if len(decodedServerNonce) != nonceLen {
		return errors.New("invalid server nonce length")
	}

	// The server hash above was constructed by computing the HMAC-SHA256
	// of the message composed of the cookie, client nonce, and server
	// nonce. We'll redo this computation ourselves to ensure the integrity
	// and authentication of the message.
	hmacMessage := bytes.Join(
		[][]byte{cookie, clientNonce, decodedServerNonce}, []byte{},
	)
	computedServerHash := computeHMAC256(serverKey, hmacMessage)
	if !hmac.Equal(computedServerHash, decodedServerHash) {
		return fmt.Errorf("expected server hash %x, got %x",
			decodedServerHash, computedServerHash)
	}

	// If the MAC check was successful, we'll proceed with the last step of
	// the authentication routine. We'll now send the AUTHENTICATE command
	// followed by a hex-encoded client hash constructed by computing the
	// HMAC-SHA256 of the same message, but this time using the controller's
	// key.
	clientHash := computeHMAC256(controllerKey, hmacMessage)
	if len(clientHash) != sha256.Size {
		return errors.New("invalid client hash length")
	}

	cmd = fmt.Sprintf("AUTHENTICATE %x", clientHash)
	if _, _, err := c.sendCommandLocked(cmd); err != nil {
		return err
	}

	return nil
}

// protocolInfo is a helper struct that contains the parsed reply of a
// PROTOCOLINFO command.
type protocolInfo map[string]string

// version returns the Tor version reported by the server.
func (i protocolInfo) version() string {
	return i["Tor"]
}

// supportsAuthMethod returns whether the server supports the given method.
func (i protocolInfo) supportsAuthMethod(method string) bool {
	methods, ok := i["METHODS"]
	if !ok {
		return false
	}

	for _, m := range strings.Split(methods, ",") {
		if m == method {
			return true
		}
	}

	return false
}

// cookieFilePath returns the path of the file holding the authentication
// cookie.
func (i protocolInfo) cookieFilePath() string {
	return i["COOKIEFILE"]
}

// protocolInfo sends a "PROTOCOLINFO" command to the Tor server and returns
// its parsed reply.
func (c *Controller) protocolInfo() (protocolInfo, error) {
	cmd := fmt.Sprintf("PROTOCOLINFO %d", ProtocolInfoVersion)
	_, reply, err := c.sendCommandLocked(cmd)
	if err != nil {
		return nil, err
	}

	// If successful, the reply from the server should be of the following
	// format:
	//
	//	"250-PROTOCOLINFO" SP PIVERSION CRLF
	//	*InfoLine
	//	"250 OK" CRLF
	//
	//	InfoLine = AuthLine / VersionLine / OtherLine
	//	AuthLine = "250-AUTH" SP "METHODS=" AuthMethod *("," AuthMethod)
	//		*(SP "COOKIEFILE=" AuthCookieFile) CRLF
	//	VersionLine = "250-VERSION" SP "Tor=" TorVersion OptArguments CRLF
	return protocolInfo(parseTorReply(reply)), nil
}

// GetInfo queries the Tor server for the given keys and returns the values
// found in the reply.
func (c *Controller) GetInfo(keys ...string) (map[string]string, error) {
	if len(keys) == 0 {
		return nil, errors.New("no keys requested")
	}

	cmd := "GETINFO " + strings.Join(keys, " ")
	_, reply, err := c.sendCommand(cmd)
	if err != nil {
		return nil, err
	}

	params := parseTorReply(reply)
	for _, key := range keys {
		if _, ok := params[key]; !ok {
			return nil, fmt.Errorf("key %v not found in reply", key)
		}
	}

	return params, nil
}

// BootstrapPhase queries the Tor server for its current bootstrap progress.
func (c *Controller) BootstrapPhase() (BootstrapProgress, error) {
	const key = "status/bootstrap-phase"

	_, reply, err := c.sendCommand("GETINFO " + key)
	if err != nil {
		return BootstrapProgress{}, err
	}

	// The reply is of the form,
	//
	//	250-status/bootstrap-phase=NOTICE BOOTSTRAP PROGRESS=100
	//		TAG=done SUMMARY="Done"
	//	250 OK
	params := parseTorReply(reply)
	if _, ok := params[key]; !ok {
		return BootstrapProgress{}, fmt.Errorf("key %v not found in "+
			"reply", key)
	}

	percent, err := strconv.Atoi(params["PROGRESS"])
	if err != nil {
		return BootstrapProgress{}, fmt.Errorf("invalid bootstrap "+
			"progress: %w", err)
	}

	return BootstrapProgress{
		Percent: percent,
		Tag:     params["TAG"],
		Summary: params["SUMMARY"],
	}, nil
}

// Signal sends a SIGNAL command to the Tor server.
func (c *Controller) Signal(signal string) error {
	log.Debugf("Sending signal %v to tor", signal)

	_, _, err := c.sendCommand("SIGNAL " + signal)
	return err
}

// checkVersion ensures that the given version is at least MinTorVersion.
// Pre-release suffixes of the build number are ignored.
func checkVersion(version string) error {
	parsed, err := parseVersion(version)
	if err != nil {
		return err
	}

	minimum, err := parseVersion(MinTorVersion)
	if err != nil {
		return err
	}

	for i := range parsed {
		switch {
		case parsed[i] > minimum[i]:
			return nil

		case parsed[i] < minimum[i]:
			return fmt.Errorf("version %v below minimum %v", version,
				MinTorVersion)
		}
	}

	return nil
}

// parseVersion splits a version of the format major.minor.revision.build into
// its numbers.
func parseVersion(version string) ([4]int, error) {
	var parsed [4]int

	parts := strings.Split(version, ".")
	if len(parts) != 4 {
		return parsed, errors.New("version string is not of the format " +
			"major.minor.revision.build")
	}

	// It's possible that the build number (the last part of the version
	// string) includes a pre-release string, e.g. rc, beta, etc., so we'll
	// parse that as well.
	build := strings.Split(parts[len(parts)-1], "-")
	parts[len(parts)-1] = build[0]

	for i, part := range parts {
		n, err := strconv.Atoi(part)
		if err != nil {
			return parsed, err
		}
		parsed[i] = n
	}

	return parsed, nil
}

// computeHMAC256 computes the HMAC-SHA256 of a key and message.
func computeHMAC256(key, message []byte) []byte {
	mac := hmac.New(sha256.New, key)
	mac.Write(message)
	return mac.Sum(nil)
}
