package config

import (
	"errors"
	"fmt"
	"path/filepath"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Config holds all configuration for the application
type Config struct {
	Server   ServerConfig
	Database DatabaseConfig
	Redis    RedisConfig
	NATS     NATSConfig
	Worker   WorkerConfig
	Crash    CrashConfig
	Deploy   DeployConfig
	Ingress  IngressConfig
	Node     NodePathsConfig
	Security SecurityConfig
	Agent    AgentConfig
	Janitor  JanitorConfig
	Tracing  TracingConfig
}

// ServerConfig holds HTTP server configuration
type ServerConfig struct {
	Port         string
	ReadTimeout  time.Duration
	WriteTimeout time.Duration
	LogLevel     string
	LogFormat    string
	Environment  string
}

// DatabaseConfig holds database configuration. Driver is "postgres" or "sqlite".
type DatabaseConfig struct {
	Driver          string
	Host            string
	Port            int
	User            string
	Password        string
	DBName          string
	SSLMode         string
	SQLitePath      string
	MaxOpenConns    int
	MaxIdleConns    int
	ConnMaxLifetime time.Duration
}

// RedisConfig holds Redis configuration
type RedisConfig struct {
	Enabled  bool
	URL      string
	Password string
	DB       int
}

// NATSConfig holds the lifecycle event bus configuration
type NATSConfig struct {
	Enabled       bool
	URL           string
	SubjectPrefix string

	// Embedded starts an in-process server on EmbeddedAddr and overrides URL
	Embedded     bool
	EmbeddedAddr string
}

// WorkerConfig holds task worker configuration
type WorkerConfig struct {
	PollInterval time.Duration
	OwnerID      string
}

// CrashConfig holds crash detector configuration
type CrashConfig struct {
	Enabled  bool
	Interval time.Duration
	Window   int
}

// DeployConfig holds deployment pipeline configuration
type DeployConfig struct {
	RootDir              string
	BuildsDir            string
	SystemdDir           string
	NginxSitesDir        string
	LogsDir              string
	BasePort             int
	ReleasesToKeep       int
	LocalMode            bool
	RuntimeBinary        string
	ServicePrefix        string
	NginxTemplatePath    string
	SystemdTemplatePath  string
	DefaultContainerPort int
	CommandTimeout       time.Duration
}

// IngressConfig holds reverse proxy and certificate configuration
type IngressConfig struct {
	CertbotEmail      string
	LetsEncryptDir    string
	NginxBinaries     []string
	SSLOptionsInclude string
	DHParamPath       string
}

// NodePathsConfig holds the directory layout used on remote SSH nodes
type NodePathsConfig struct {
	BuildsDir         string
	SystemdDir        string
	NginxSitesDir     string
	LogsDir           string
	NginxTemplatePath string
}

// SecurityConfig holds secret material
type SecurityConfig struct {
	EncryptionKey      string
	JWTSecret          string
	JWTExpirationHours int
}

// AgentConfig holds remote agent poller configuration
type AgentConfig struct {
	APIURL            string
	Token             string
	InstallToken      string
	PollInterval      time.Duration
	HeartbeatInterval time.Duration
	StateFile         string
}

// JanitorConfig holds log retention configuration
type JanitorConfig struct {
	LogRetentionDays int
	Interval         time.Duration
}

// TracingConfig holds distributed tracing configuration
type TracingConfig struct {
	Enabled        bool
	ServiceName    string
	ServiceVersion string
	Environment    string
	OTLPEndpoint   string
	SampleRate     float64
	Insecure       bool
}

// Load loads configuration from environment variables and config files
func Load() (*Config, error) {
	v := viper.New()
	v.SetConfigName("config")
	v.SetConfigType("yaml")
	v.AddConfigPath(".")
	v.AddConfigPath("./config")

	v.SetEnvPrefix("DEPLOYCTL")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	setDefaults(v)

	if err := v.ReadInConfig(); err != nil {
		var configFileNotFoundError viper.ConfigFileNotFoundError
		if !errors.As(err, &configFileNotFoundError) {
			return nil, fmt.Errorf("failed to read config file: %w", err)
		}
	}

	environment := v.GetString("server.environment")
	production := environment == "production"

	root := v.GetString("deploy.root_dir")
	if root == "" {
		root = "./.data"
		if production {
			root = "/var/lib/deployctl"
		}
	}

	localMode := !production
	if v.IsSet("deploy.local_mode") {
		localMode = v.GetBool("deploy.local_mode")
	}

	config := &Config{
		Server: ServerConfig{
			Port:         v.GetString("server.port"),
			ReadTimeout:  v.GetDuration("server.read_timeout"),
			WriteTimeout: v.GetDuration("server.write_timeout"),
			LogLevel:     v.GetString("server.log_level"),
			LogFormat:    v.GetString("server.log_format"),
			Environment:  environment,
		},
		Database: DatabaseConfig{
			Driver:          v.GetString("database.driver"),
			Host:            v.GetString("database.host"),
			Port:            v.GetInt("database.port"),
			User:            v.GetString("database.user"),
			Password:        v.GetString("database.password"),
			DBName:          v.GetString("database.dbname"),
			SSLMode:         v.GetString("database.sslmode"),
			SQLitePath:      orDefault(v.GetString("database.sqlite_path"), filepath.Join(root, "deployctl.db")),
			MaxOpenConns:    v.GetInt("database.max_open_conns"),
			MaxIdleConns:    v.GetInt("database.max_idle_conns"),
			ConnMaxLifetime: v.GetDuration("database.conn_max_lifetime"),
		},
		Redis: RedisConfig{
			Enabled:  v.GetBool("redis.enabled"),
			URL:      v.GetString("redis.url"),
			Password: v.GetString("redis.password"),
			DB:       v.GetInt("redis.db"),
		},
		NATS: NATSConfig{
			Enabled:       v.GetBool("nats.enabled"),
			URL:           v.GetString("nats.url"),
			SubjectPrefix: v.GetString("nats.subject_prefix"),
			Embedded:      v.GetBool("nats.embedded"),
			EmbeddedAddr:  v.GetString("nats.embedded_addr"),
		},
		Worker: WorkerConfig{
			PollInterval: v.GetDuration("worker.poll_interval"),
			OwnerID:      v.GetString("worker.owner_id"),
		},
		Crash: CrashConfig{
			Enabled:  v.GetBool("crash.enabled"),
			Interval: v.GetDuration("crash.interval"),
			Window:   v.GetInt("crash.window"),
		},
		Deploy: DeployConfig{
			RootDir:              root,
			BuildsDir:            orDefault(v.GetString("deploy.builds_dir"), filepath.Join(root, "builds")),
			SystemdDir:           orDefault(v.GetString("deploy.systemd_dir"), systemdDefault(production, root)),
			NginxSitesDir:        orDefault(v.GetString("deploy.nginx_sites_dir"), nginxDefault(production, root)),
			LogsDir:              orDefault(v.GetString("deploy.logs_dir"), filepath.Join(root, "logs")),
			BasePort:             v.GetInt("deploy.base_port"),
			ReleasesToKeep:       v.GetInt("deploy.releases_to_keep"),
			LocalMode:            localMode,
			RuntimeBinary:        v.GetString("deploy.runtime_binary"),
			ServicePrefix:        v.GetString("deploy.service_prefix"),
			NginxTemplatePath:    v.GetString("deploy.nginx_template_path"),
			SystemdTemplatePath:  v.GetString("deploy.systemd_template_path"),
			DefaultContainerPort: v.GetInt("deploy.default_container_port"),
			CommandTimeout:       v.GetDuration("deploy.command_timeout"),
		},
		Ingress: IngressConfig{
			CertbotEmail:      v.GetString("ingress.certbot_email"),
			LetsEncryptDir:    v.GetString("ingress.letsencrypt_dir"),
			NginxBinaries:     v.GetStringSlice("ingress.nginx_binaries"),
			SSLOptionsInclude: v.GetString("ingress.ssl_options_include"),
			DHParamPath:       v.GetString("ingress.dhparam_path"),
		},
		Node: NodePathsConfig{
			BuildsDir:         v.GetString("node.builds_dir"),
			SystemdDir:        v.GetString("node.systemd_dir"),
			NginxSitesDir:     v.GetString("node.nginx_sites_dir"),
			LogsDir:           v.GetString("node.logs_dir"),
			NginxTemplatePath: v.GetString("node.nginx_template_path"),
		},
		Security: SecurityConfig{
			EncryptionKey:      v.GetString("security.encryption_key"),
			JWTSecret:          v.GetString("security.jwt_secret"),
			JWTExpirationHours: v.GetInt("security.jwt_expiration_hours"),
		},
		Agent: AgentConfig{
			APIURL:            strings.TrimSuffix(v.GetString("agent.api_url"), "/"),
			Token:             v.GetString("agent.token"),
			InstallToken:      v.GetString("agent.install_token"),
			PollInterval:      v.GetDuration("agent.poll_interval"),
			HeartbeatInterval: v.GetDuration("agent.heartbeat_interval"),
			StateFile:         orDefault(v.GetString("agent.state_file"), filepath.Join(root, "agent.json")),
		},
		Janitor: JanitorConfig{
			LogRetentionDays: v.GetInt("janitor.log_retention_days"),
			Interval:         v.GetDuration("janitor.interval"),
		},
		Tracing: TracingConfig{
			Enabled:        v.GetBool("tracing.enabled"),
			ServiceName:    v.GetString("tracing.service_name"),
			ServiceVersion: v.GetString("tracing.service_version"),
			Environment:    v.GetString("tracing.environment"),
			OTLPEndpoint:   v.GetString("tracing.otlp_endpoint"),
			SampleRate:     v.GetFloat64("tracing.sample_rate"),
			Insecure:       v.GetBool("tracing.insecure"),
		},
	}

	if err := config.Validate(); err != nil {
		return nil, err
	}

	return config, nil
}

// setDefaults sets default configuration values
func setDefaults(v *viper.Viper) {
	// Server defaults
	v.SetDefault("server.port", "4100")
	v.SetDefault("server.read_timeout", 15*time.Second)
	v.SetDefault("server.write_timeout", 30*time.Second)
	v.SetDefault("server.log_level", "info")
	v.SetDefault("server.log_format", "json")
	v.SetDefault("server.environment", "development")

	// Database defaults
	v.SetDefault("database.driver", "postgres")
	v.SetDefault("database.host", "127.0.0.1")
	v.SetDefault("database.port", 5432)
	v.SetDefault("database.user", "deployctl")
	v.SetDefault("database.password", "deployctl_dev_password")
	v.SetDefault("database.dbname", "deployctl")
	v.SetDefault("database.sslmode", "disable")
	v.SetDefault("database.max_open_conns", 25)
	v.SetDefault("database.max_idle_conns", 5)
	v.SetDefault("database.conn_max_lifetime", 5*time.Minute)

	// Redis defaults
	v.SetDefault("redis.enabled", false)
	v.SetDefault("redis.url", "localhost:6379")
	v.SetDefault("redis.password", "")
	v.SetDefault("redis.db", 0)

	// NATS defaults
	v.SetDefault("nats.enabled", false)
	v.SetDefault("nats.url", "nats://127.0.0.1:4222")
	v.SetDefault("nats.subject_prefix", "deployctl")
	v.SetDefault("nats.embedded", false)
	v.SetDefault("nats.embedded_addr", "127.0.0.1:4222")

	// Worker defaults
	v.SetDefault("worker.poll_interval", 1*time.Second)
	v.SetDefault("worker.owner_id", "control-plane")

	// Crash detector defaults
	v.SetDefault("crash.enabled", true)
	v.SetDefault("crash.interval", 2*time.Minute)
	v.SetDefault("crash.window", 5)

	// Deploy defaults
	v.SetDefault("deploy.base_port", 5200)
	v.SetDefault("deploy.releases_to_keep", 5)
	v.SetDefault("deploy.runtime_binary", "bun")
	v.SetDefault("deploy.service_prefix", "deployctl")
	v.SetDefault("deploy.default_container_port", 3000)
	v.SetDefault("deploy.command_timeout", 20*time.Minute)

	// Ingress defaults
	v.SetDefault("ingress.letsencrypt_dir", "/etc/letsencrypt")
	v.SetDefault("ingress.nginx_binaries", []string{"nginx", "/usr/sbin/nginx", "/usr/local/sbin/nginx"})
	v.SetDefault("ingress.ssl_options_include", "/etc/letsencrypt/options-ssl-nginx.conf")
	v.SetDefault("ingress.dhparam_path", "/etc/letsencrypt/ssl-dhparams.pem")

	// Remote node defaults
	v.SetDefault("node.builds_dir", "/var/lib/deployctl-node/builds")
	v.SetDefault("node.systemd_dir", "/etc/systemd/system")
	v.SetDefault("node.nginx_sites_dir", "/etc/nginx/conf.d")
	v.SetDefault("node.logs_dir", "/var/log/deployctl")
	v.SetDefault("node.nginx_template_path", "/var/lib/deployctl-node/templates/nginx/app.conf")

	// Security defaults
	v.SetDefault("security.encryption_key", "")
	v.SetDefault("security.jwt_secret", "")
	v.SetDefault("security.jwt_expiration_hours", 24)

	// Agent defaults
	v.SetDefault("agent.poll_interval", 3*time.Second)
	v.SetDefault("agent.heartbeat_interval", 30*time.Second)

	// Janitor defaults
	v.SetDefault("janitor.log_retention_days", 30)
	v.SetDefault("janitor.interval", 24*time.Hour)

	// Tracing defaults
	v.SetDefault("tracing.enabled", false)
	v.SetDefault("tracing.service_name", "deployctl")
	v.SetDefault("tracing.service_version", "1.0.0")
	v.SetDefault("tracing.environment", "development")
	v.SetDefault("tracing.otlp_endpoint", "localhost:4318")
	v.SetDefault("tracing.sample_rate", 1.0)
	v.SetDefault("tracing.insecure", true)
}

// Validate checks invariants that would otherwise fail late inside a task
func (c *Config) Validate() error {
	switch c.Database.Driver {
	case "postgres", "sqlite":
	default:
		return fmt.Errorf("unsupported database driver %q", c.Database.Driver)
	}
	if c.Deploy.BasePort <= 0 || c.Deploy.BasePort+4000 > 65535 {
		return fmt.Errorf("deploy.base_port %d leaves no room for the port range", c.Deploy.BasePort)
	}
	if c.Deploy.ReleasesToKeep < 1 {
		return fmt.Errorf("deploy.releases_to_keep must be at least 1")
	}
	return nil
}

// IsProduction reports whether the server runs with production defaults
func (c *Config) IsProduction() bool {
	return c.Server.Environment == "production"
}

// GetDatabaseDSN returns the PostgreSQL connection string
func (c *Config) GetDatabaseDSN() string {
	return fmt.Sprintf(
		"host=%s port=%d user=%s password=%s dbname=%s sslmode=%s",
		c.Database.Host,
		c.Database.Port,
		c.Database.User,
		c.Database.Password,
		c.Database.DBName,
		c.Database.SSLMode,
	)
}

func systemdDefault(production bool, root string) string {
	if production {
		return "/etc/systemd/system"
	}
	return filepath.Join(root, "systemd")
}

func nginxDefault(production bool, root string) string {
	if production {
		return "/etc/nginx/conf.d"
	}
	return filepath.Join(root, "nginx")
}

func orDefault(value, fallback string) string {
	if value == "" {
		return fallback
	}
	return value
}
