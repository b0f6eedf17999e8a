package fault

// error base
type GenericError string

// to allow for different classes of errors
type ExistsError GenericError
type InvalidError GenericError
type NotFoundError GenericError
type ProcessError GenericError
type RecordError GenericError

// common errors - keep in alphabetic order
var (
	ErrAlreadyInitialised          = ProcessError("already initialised")
	ErrCorruptEncoding             = ProcessError("corrupt encoding: decode did not consume buffer")
	ErrDatabaseMismatchedBlockSize = InvalidError("hash_block_size differs between databases")
	ErrDirectoryNotEmpty           = ExistsError("directory is not empty")
	ErrIdenticalDatabases          = InvalidError("source and destination databases are identical")
	ErrInsufficientDiskSpace       = ProcessError("insufficient free space on backing volume")
	ErrInvalidBloomK               = InvalidError("bloom k must be positive")
	ErrInvalidBloomSize            = InvalidError("bloom m (bits) must be positive when bloom is enabled")
	ErrInvalidCount                = InvalidError("fetch count must be positive")
	ErrInvalidCursor               = InvalidError("cursor is nil")
	ErrInvalidHashPrefixBits       = InvalidError("hash prefix bits must be positive")
	ErrInvalidHashSuffixBytes      = InvalidError("hash suffix bytes must be positive")
	ErrInvalidKey                  = InvalidError("key is empty")
	ErrInvalidLoggerChannel        = InvalidError("logger channel failed to open")
	ErrInvalidPrivateKey           = InvalidError("invalid private key")
	ErrInvalidPrivateKeyFile       = InvalidError("invalid private key file")
	ErrInvalidPublicKey            = InvalidError("invalid public key")
	ErrInvalidPublicKeyFile        = InvalidError("invalid public key file")
	ErrInvalidSectorSize           = InvalidError("sector size must be positive")
	ErrKeyFileAlreadyExists        = ExistsError("key file already exists")
	ErrNotConnected                = ProcessError("not connected")
	ErrNotFoundSettings            = NotFoundError("settings document not found")
	ErrNotFoundSource              = NotFoundError("source id not found")
	ErrNotInitialised              = ProcessError("not initialised")
	ErrReadOnly                    = ProcessError("database opened read-only")
	ErrTransactionAlreadyInUse     = ProcessError("transaction already in use")
	ErrUnknownRequest              = InvalidError("unknown request")
	ErrUnsupportedSettingsVersion  = InvalidError("settings document format version is unsupported")
)

// the error interface base method
func (e GenericError) Error() string { return string(e) }

// the error interface methods
func (e ExistsError) Error() string   { return string(e) }
func (e InvalidError) Error() string  { return string(e) }
func (e NotFoundError) Error() string { return string(e) }
func (e ProcessError) Error() string  { return string(e) }
func (e RecordError) Error() string   { return string(e) }

// determine the class of an error
func IsErrExists(e error) bool   { _, ok := e.(ExistsError); return ok }
func IsErrInvalid(e error) bool  { _, ok := e.(InvalidError); return ok }
func IsErrNotFound(e error) bool { _, ok := e.(NotFoundError); return ok }
func IsErrProcess(e error) bool  { _, ok := e.(ProcessError); return ok }
func IsErrRecord(e error) bool   { _, ok := e.(RecordError); return ok }
