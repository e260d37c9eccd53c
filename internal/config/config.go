/*
Package config implements a thread safe configuration yaml file parser.
*/
package config

import (
	"fmt"
	"net/netip"
	"net/url"
	"os"
	"reflect"
	"sync"
	"time"

	"github.com/juju/loggo"
	"github.com/palantir/stacktrace"
	"gopkg.in/yaml.v2"
)

// Environment variables overriding the configuration file.
const (
	EnvTranslatorName = "SCRAM_HOSTNAME"
	EnvEventsURL      = "SCRAM_EVENTS_URL"
)

// Cache backends.
const (
	BackendMemory = "memory"
	BackendRedis  = "redis"
	BackendEtcd   = "etcd"
)

var (
	lock              sync.Mutex
	configFilePath    string
	immutableLogLevel bool
	// Configuration is the global Config instance storing the current configuration
	Configuration Config
)

// --- TranslatorConfig section

// TranslatorConfig identifies this translator instance in check replies.
type TranslatorConfig struct {
	Name string `yaml:"name"`
}

func (t *TranslatorConfig) setDefaults() {
	if name := os.Getenv(EnvTranslatorName); name != "" {
		t.Name = name
	}
	if t.Name == "" {
		if hostname, err := os.Hostname(); err == nil {
			t.Name = hostname
		}
	}
}

func (t *TranslatorConfig) validate() error {
	if t.Name == "" {
		return stacktrace.NewError("<name> field is required when the hostname cannot be resolved")
	}
	return nil
}

// --- EventsConfig section

// ReconnectConfig parameterizes the reconnection backoff.
type ReconnectConfig struct {
	InitialInterval     time.Duration `yaml:"initial_interval"`
	MaxInterval         time.Duration `yaml:"max_interval"`
	Multiplier          float64       `yaml:"multiplier"`
	RandomizationFactor float64       `yaml:"randomization_factor"`
}

func (r *ReconnectConfig) setDefaults() {
	if r.InitialInterval == 0 {
		r.InitialInterval = time.Second
	}
	if r.MaxInterval == 0 {
		r.MaxInterval = time.Minute
	}
	if r.Multiplier == 0 {
		r.Multiplier = 2
	}
	if r.RandomizationFactor == 0 {
		r.RandomizationFactor = 0.5
	}
}

func (r *ReconnectConfig) validate() error {
	if r.InitialInterval < 0 || r.MaxInterval < r.InitialInterval {
		return stacktrace.NewError("<initial_interval> <%s> and <max_interval> <%s> must satisfy 0 <= initial <= max", r.InitialInterval, r.MaxInterval)
	}
	if r.Multiplier < 1 {
		return stacktrace.NewError("<multiplier> must be >= 1")
	}
	if r.RandomizationFactor < 0 || r.RandomizationFactor > 1 {
		return stacktrace.NewError("<randomization_factor> must be between 0 and 1")
	}
	return nil
}

// EventsConfig locates the event bus.
type EventsConfig struct {
	URL       string          `yaml:"url"`
	Origin    string          `yaml:"origin"`
	Reconnect ReconnectConfig `yaml:"reconnect"`
}

func (e *EventsConfig) setDefaults() {
	if u := os.Getenv(EnvEventsURL); u != "" {
		e.URL = u
	}
	if e.Origin == "" {
		e.Origin = "http://localhost/"
	}
	e.Reconnect.setDefaults()
}

func (e *EventsConfig) validate() error {
	if e.URL == "" {
		return stacktrace.NewError("<url> field is required")
	}
	u, err := url.Parse(e.URL)
	if err != nil {
		return stacktrace.Propagate(err, "invalid <url> <%s>", e.URL)
	}
	if u.Scheme != "ws" && u.Scheme != "wss" {
		return stacktrace.NewError("<url> scheme must be ws or wss, got <%s>", u.Scheme)
	}
	if err := e.Reconnect.validate(); err != nil {
		return stacktrace.Propagate(err, "fail to validate <reconnect> section")
	}
	return nil
}

// --- SpeakerConfig section

// SpeakerConfig locates the gobgp API.
type SpeakerConfig struct {
	Address string        `yaml:"address"`
	Timeout time.Duration `yaml:"timeout"`
}

func (s *SpeakerConfig) setDefaults() {
	if s.Timeout == 0 {
		s.Timeout = 30 * time.Second
	}
}

func (s *SpeakerConfig) validate() error {
	if s.Address == "" {
		return stacktrace.NewError("<address> field is required")
	}
	if s.Timeout < 0 {
		return stacktrace.NewError("<timeout> cannot be negative")
	}
	return nil
}

// --- CacheConfig section

// RedisConfig is used by the redis cache backend.
type RedisConfig struct {
	Address  string `yaml:"address"`
	DB       int    `yaml:"db"`
	Password string `yaml:"password"`
}

// EtcdConfig is used by the etcd cache backend.
type EtcdConfig struct {
	Endpoints   []string      `yaml:"endpoints"`
	DialTimeout time.Duration `yaml:"dial_timeout"`
	Username    string        `yaml:"username"`
	Password    string        `yaml:"password"`
	Prefix      string        `yaml:"prefix"`
}

func (etcd *EtcdConfig) validate() error {
	if len(etcd.Endpoints) < 1 {
		return stacktrace.NewError("<endpoints> field is required")
	}
	if etcd.DialTimeout == 0 {
		return stacktrace.NewError("<dial_timeout> field is required and cannot be <0>")
	}
	if etcd.Prefix == "" {
		return stacktrace.NewError("<prefix> field is required")
	}
	return nil
}

// CacheConfig selects and parameterizes the prefix cache store.
type CacheConfig struct {
	Backend string        `yaml:"backend"`
	TTL     time.Duration `yaml:"ttl"`
	Timeout time.Duration `yaml:"timeout"`
	Redis   RedisConfig   `yaml:"redis"`
	Etcd    EtcdConfig    `yaml:"etcd"`
}

func (c *CacheConfig) setDefaults() {
	if c.Backend == "" {
		c.Backend = BackendMemory
	}
	if c.TTL == 0 {
		c.TTL = 60 * time.Second
	}
	if c.Timeout == 0 {
		c.Timeout = 5 * time.Second
	}
	if c.Redis.Address == "" {
		c.Redis.Address = "redis:6379"
	}
	if c.Etcd.DialTimeout == 0 {
		c.Etcd.DialTimeout = 5 * time.Second
	}
	if c.Etcd.Prefix == "" {
		c.Etcd.Prefix = "/translator"
	}
}

func (c *CacheConfig) validate() error {
	if c.TTL < time.Second {
		return stacktrace.NewError("<ttl> must be at least 1s")
	}
	if c.Timeout < 0 {
		return stacktrace.NewError("<timeout> cannot be negative")
	}
	switch c.Backend {
	case BackendMemory:
	case BackendRedis:
		if c.Redis.DB < 0 {
			return stacktrace.NewError("<redis.db> cannot be negative")
		}
	case BackendEtcd:
		if err := c.Etcd.validate(); err != nil {
			return stacktrace.Propagate(err, "fail to validate <etcd> section")
		}
	default:
		return stacktrace.NewError("unknown <backend> <%s>", c.Backend)
	}
	return nil
}

// Copy returns a copy of the object
func (c *CacheConfig) Copy() *CacheConfig {
	cp := *c
	cp.Etcd.Endpoints = append([]string(nil), c.Etcd.Endpoints...)
	return &cp
}

// --- DefaultsConfig section

// DefaultsConfig holds the path attributes used when a command leaves them out.
type DefaultsConfig struct {
	ASN       uint32 `yaml:"asn"`
	Community uint32 `yaml:"community"`
	NextHopV4 string `yaml:"next_hop_v4"`
	NextHopV6 string `yaml:"next_hop_v6"`
}

func (d *DefaultsConfig) setDefaults() {
	if d.ASN == 0 {
		d.ASN = 65400
	}
	if d.Community == 0 {
		d.Community = 666
	}
	if d.NextHopV4 == "" {
		d.NextHopV4 = "192.0.2.199"
	}
	if d.NextHopV6 == "" {
		d.NextHopV6 = "100::1"
	}
}

func (d *DefaultsConfig) validate() error {
	if d.ASN == 0 || d.ASN == ^uint32(0) {
		return stacktrace.NewError("<asn> must be between 0 and 4294967295")
	}
	if d.Community == ^uint32(0) {
		return stacktrace.NewError("<community> must be lower than 4294967295")
	}
	v4, err := netip.ParseAddr(d.NextHopV4)
	if err != nil || !v4.Is4() {
		return stacktrace.NewError("<next_hop_v4> <%s> is not an IPv4 address", d.NextHopV4)
	}
	v6, err := netip.ParseAddr(d.NextHopV6)
	if err != nil || v6.Is4() {
		return stacktrace.NewError("<next_hop_v6> <%s> is not an IPv6 address", d.NextHopV6)
	}
	return nil
}

// NextHops returns the parsed default next hops. The section must be validated.
func (d *DefaultsConfig) NextHops() (v4 netip.Addr, v6 netip.Addr) {
	v4, _ = netip.ParseAddr(d.NextHopV4)
	v6, _ = netip.ParseAddr(d.NextHopV6)
	return v4, v6
}

// --- MetricsConfig section

// MetricsConfig exposes prometheus metrics. An empty Listen disables the endpoint.
type MetricsConfig struct {
	Listen string `yaml:"listen"`
	Path   string `yaml:"path"`
}

func (m *MetricsConfig) setDefaults() {
	if m.Path == "" {
		m.Path = "/metrics"
	}
}

// --- Global Config section

// Config file structure definition
type Config struct {
	Debug      bool             `yaml:"debug"`
	Translator TranslatorConfig `yaml:"translator"`
	Events     EventsConfig     `yaml:"events"`
	Speaker    SpeakerConfig    `yaml:"speaker"`
	Cache      CacheConfig      `yaml:"cache"`
	Defaults   DefaultsConfig   `yaml:"defaults"`
	Metrics    MetricsConfig    `yaml:"metrics"`
}

func (c *Config) setDefaults() {
	c.Translator.setDefaults()
	c.Events.setDefaults()
	c.Speaker.setDefaults()
	c.Cache.setDefaults()
	c.Defaults.setDefaults()
	c.Metrics.setDefaults()
}

func (c *Config) validate() error {
	if err := c.Translator.validate(); err != nil {
		return stacktrace.Propagate(err, "fail to validate <translator> section")
	}
	if err := c.Events.validate(); err != nil {
		return stacktrace.Propagate(err, "fail to validate <events> section")
	}
	if err := c.Speaker.validate(); err != nil {
		return stacktrace.Propagate(err, "fail to validate <speaker> section")
	}
	if err := c.Cache.validate(); err != nil {
		return stacktrace.Propagate(err, "fail to validate <cache> section")
	}
	if err := c.Defaults.validate(); err != nil {
		return stacktrace.Propagate(err, "fail to validate <defaults> section")
	}
	return nil
}

// String returns a string representing a config struct.
func (c *Config) String() string {
	return fmt.Sprintf("%#v", c)
}

// Equal tests if content is the same
func (c *Config) Equal(comparedWith *Config) error {
	if comparedWith == nil {
		return stacktrace.NewError("cannot compare with <nil>")
	}
	if c.Debug != comparedWith.Debug {
		return stacktrace.NewError("debug value <%t> is different: <%t>", c.Debug, comparedWith.Debug)
	}
	if !reflect.DeepEqual(c.Translator, comparedWith.Translator) {
		return stacktrace.NewError("translator section <%#v> is different: <%#v>", c.Translator, comparedWith.Translator)
	}
	if !reflect.DeepEqual(c.Events, comparedWith.Events) {
		return stacktrace.NewError("events section <%#v> is different: <%#v>", c.Events, comparedWith.Events)
	}
	if !reflect.DeepEqual(c.Speaker, comparedWith.Speaker) {
		return stacktrace.NewError("speaker section <%#v> is different: <%#v>", c.Speaker, comparedWith.Speaker)
	}
	if !reflect.DeepEqual(c.Cache, comparedWith.Cache) {
		return stacktrace.NewError("cache section is different")
	}
	if !reflect.DeepEqual(c.Defaults, comparedWith.Defaults) {
		return stacktrace.NewError("defaults section <%#v> is different: <%#v>", c.Defaults, comparedWith.Defaults)
	}
	if !reflect.DeepEqual(c.Metrics, comparedWith.Metrics) {
		return stacktrace.NewError("metrics section <%#v> is different: <%#v>", c.Metrics, comparedWith.Metrics)
	}
	return nil
}

// SetConfigFile set the path to the config file to read.
func SetConfigFile(path string) {
	lock.Lock()
	defer lock.Unlock()

	configFilePath = path
}

// Parse decodes, completes and validates a configuration document.
func Parse(data []byte) (*Config, error) {
	var tmpConfig Config
	if err := yaml.UnmarshalStrict(data, &tmpConfig); err != nil {
		return nil, stacktrace.Propagate(err, "parsing error")
	}
	tmpConfig.setDefaults()
	if err := tmpConfig.validate(); err != nil {
		return nil, stacktrace.Propagate(err, "fail to validate configuration")
	}
	return &tmpConfig, nil
}

// ReadInConfig triggers the reading of the config from the file.
func ReadInConfig() error {
	lock.Lock()
	defer lock.Unlock()

	data, err := os.ReadFile(configFilePath)
	if err != nil {
		return stacktrace.Propagate(err, "fail to read <%s>", configFilePath)
	}
	loggo.GetLogger("").Debugf("config file <%s> read successfully", configFilePath)

	tmpConfig, err := Parse(data)
	if err != nil {
		return stacktrace.Propagate(err, "fail to load <%s>", configFilePath)
	}
	loggo.GetLogger("").Debugf("config file <%s> parsed successfully", configFilePath)

	Configuration = *tmpConfig

	if !immutableLogLevel {
		if Configuration.Debug {
			loggo.GetLogger("").SetLogLevel(loggo.DEBUG)
		} else {
			loggo.GetLogger("").SetLogLevel(loggo.INFO)
		}
	}

	loggo.GetLogger("").Debugf("config struct: <%#v>", Configuration)

	return nil
}

// CheckFile reads the config file again and reports how it differs from the
// loaded configuration. The loaded configuration is left untouched.
func CheckFile() error {
	lock.Lock()
	defer lock.Unlock()

	data, err := os.ReadFile(configFilePath)
	if err != nil {
		return stacktrace.Propagate(err, "fail to read <%s>", configFilePath)
	}
	onDisk, err := Parse(data)
	if err != nil {
		return stacktrace.Propagate(err, "fail to load <%s>", configFilePath)
	}
	loggo.GetLogger("").Debugf("config file <%s> reread: <%s>", configFilePath, onDisk)
	return Configuration.Equal(onDisk)
}

// String returns a string representing the config object.
func String() (string, error) {
	lock.Lock()
	defer lock.Unlock()

	data, err := yaml.Marshal(Configuration)
	if err != nil {
		return "", err
	}

	return fmt.Sprintf("config file <%s>:\n%s", configFilePath, data), nil
}

// GetTranslatorName returns the name reported in check replies.
func GetTranslatorName() string {
	lock.Lock()
	defer lock.Unlock()

	return Configuration.Translator.Name
}

// GetEvents returns the events config section
func GetEvents() *EventsConfig {
	lock.Lock()
	defer lock.Unlock()

	events := Configuration.Events
	return &events
}

// GetSpeaker returns the speaker config section
func GetSpeaker() *SpeakerConfig {
	lock.Lock()
	defer lock.Unlock()

	speaker := Configuration.Speaker
	return &speaker
}

// GetCache returns the cache config section
func GetCache() *CacheConfig {
	lock.Lock()
	defer lock.Unlock()

	return Configuration.Cache.Copy()
}

// GetDefaults returns the defaults config section
func GetDefaults() *DefaultsConfig {
	lock.Lock()
	defer lock.Unlock()

	defaults := Configuration.Defaults
	return &defaults
}

// GetMetrics returns the metrics config section
func GetMetrics() *MetricsConfig {
	lock.Lock()
	defer lock.Unlock()

	metrics := Configuration.Metrics
	return &metrics
}

// GetDebug returns true if debug is activated in the config file, false otherwise.
func GetDebug() bool {
	lock.Lock()
	defer lock.Unlock()

	return Configuration.Debug
}

// SetLogLevelImmutable sets a flag to deactivate log level modification by configuration
func SetLogLevelImmutable() {
	lock.Lock()
	defer lock.Unlock()

	immutableLogLevel = true
}
