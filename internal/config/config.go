package config

import (
	"fmt"
	"log"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Config application configuration structure
type Config struct {
	Server     ServerConfig     `yaml:"server"`
	Database   DatabaseConfig   `yaml:"database"`
	Redis      RedisConfig      `yaml:"redis"`
	NATS       NATSConfig       `yaml:"nats"`
	Workers    WorkersConfig    `yaml:"workers"`
	Quota      QuotaConfig      `yaml:"quota"`
	Generation GenerationConfig `yaml:"generation"`
	Storage    StorageConfig    `yaml:"storage"`
	JWT        JWTConfig        `yaml:"jwt"`
	CORS       CORSConfig       `yaml:"cors"`
	Admin      AdminConfig      `yaml:"admin"`
}

// ServerConfig server configuration
type ServerConfig struct {
	Host string `yaml:"host"`
	Port int    `yaml:"port"`
}

// DatabaseConfig database configuration
type DatabaseConfig struct {
	DSN    string `yaml:"dsn"`
	Driver string `yaml:"driver"`
}

// RedisConfig Redis configuration. When a host is configured the quota
// ledger runs on Redis instead of the in-process ledger.
type RedisConfig struct {
	Host     string `yaml:"host"`
	Port     int    `yaml:"port"`
	Password string `yaml:"password"`
	DB       int    `yaml:"db"`
	Timeout  int    `yaml:"timeout"`
}

// NATSConfig NATS event publishing configuration (optional)
type NATSConfig struct {
	URL           string `yaml:"url"`
	Timeout       int    `yaml:"timeout"`
	ReconnectWait int    `yaml:"reconnect_wait"`
	MaxReconnects int    `yaml:"max_reconnects"`
	SubjectPrefix string `yaml:"subject_prefix"`
}

// WorkersConfig worker pool configuration
type WorkersConfig struct {
	MaxWorkers         int      `yaml:"max_workers"`
	GPUs               []int    `yaml:"gpus"`
	Command            []string `yaml:"command"`       // inference worker command, e.g. ["python3", "-m", "worker.infer"]
	ProbeCommand       []string `yaml:"probe_command"` // health probe; defaults to Command + "--probe"
	ProbeTimeout       int      `yaml:"probe_timeout"` // seconds
	MaxRestartAttempts int      `yaml:"max_restart_attempts"`
	TaskTimeout        int      `yaml:"task_timeout"` // seconds, 0 = no timeout
}

// QuotaConfig per-user quota configuration
type QuotaConfig struct {
	Period string         `yaml:"period"` // "day" or "month"
	Limit  int64          `yaml:"limit"`
	Costs  map[string]int `yaml:"costs"` // task type -> cost per unit
}

// GenerationConfig generation parameter bounds
type GenerationConfig struct {
	MinInferenceSteps   int              `yaml:"min_inference_steps"`
	MaxInferenceSteps   int              `yaml:"max_inference_steps"`
	MaxImagesPerRequest int              `yaml:"max_images_per_request"`
	MaxBatchPrompts     int              `yaml:"max_batch_prompts"`
	MaxFrames           int              `yaml:"max_frames"`
	MaxUploadSizeMB     int              `yaml:"max_upload_size_mb"`
	AllowedImageTypes   []string         `yaml:"allowed_image_types"`
	AspectRatios        map[string][]int `yaml:"aspect_ratios"`
}

// StorageConfig artifact and upload storage configuration
type StorageConfig struct {
	ArtifactDir    string `yaml:"artifact_dir"`
	UploadDir      string `yaml:"upload_dir"`
	WorkDir        string `yaml:"work_dir"`        // scratch dir handed to worker processes
	RetentionHours int    `yaml:"retention_hours"` // recycle bin + artifact retention
	SweepMinutes   int    `yaml:"sweep_minutes"`
}

// JWTConfig JWT verification configuration
type JWTConfig struct {
	Secret string `yaml:"secret"`
}

// CORSConfig CORS configuration
type CORSConfig struct {
	AllowedOrigins   []string `yaml:"allowedOrigins"`
	AllowCredentials bool     `yaml:"allowCredentials"`
	MaxAge           int      `yaml:"maxAge"`
}

// AdminConfig admin API access control configuration
type AdminConfig struct {
	AllowedIPs []string `yaml:"allowedIPs"`
}

var AppConfig *Config

// LoadConfig loads the configuration file and applies environment overrides
func LoadConfig(configPath string) error {
	if configPath == "" {
		configPath = "config.yaml"
		if _, err := os.Stat("config.local.yaml"); err == nil {
			configPath = "config.local.yaml"
			log.Printf("🔧 Using local configuration file: config.local.yaml")
		}
	}

	data, err := os.ReadFile(configPath)
	if err != nil {
		return fmt.Errorf("failed to read config file: %w", err)
	}

	var config Config
	if err := yaml.Unmarshal(data, &config); err != nil {
		return fmt.Errorf("failed to parse config file: %w", err)
	}

	overrideFromEnv(&config)
	applyDefaults(&config)

	if len(config.Workers.Command) == 0 {
		return fmt.Errorf("workers.command is required")
	}

	fmt.Printf("✅ [%s] Loaded configuration from %s\n", time.Now().Format("2006-01-02 15:04:05"), configPath)
	fmt.Printf("📋 [Config] Workers: max_workers=%d, gpus=%v\n", config.Workers.MaxWorkers, config.Workers.GPUs)
	fmt.Printf("📋 [Config] Quota: period=%s, limit=%d\n", config.Quota.Period, config.Quota.Limit)
	if len(config.Admin.AllowedIPs) > 0 {
		fmt.Printf("📋 [Config] Admin IP whitelist: %d entries\n", len(config.Admin.AllowedIPs))
	} else {
		fmt.Printf("📋 [Config] Admin IP whitelist: not configured (localhost-only mode)\n")
	}

	AppConfig = &config
	return nil
}

// Default returns a configuration with all defaults applied and no file read
func Default() *Config {
	var config Config
	applyDefaults(&config)
	return &config
}

// overrideFromEnv applies environment variable overrides
func overrideFromEnv(config *Config) {
	if dsn := os.Getenv("DATABASE_DSN"); dsn != "" {
		config.Database.DSN = dsn
	}
	if host := os.Getenv("SERVER_HOST"); host != "" {
		config.Server.Host = host
	}
	if port := os.Getenv("SERVER_PORT"); port != "" {
		if p, err := strconv.Atoi(port); err == nil {
			config.Server.Port = p
		}
	}

	if redisHost := os.Getenv("REDIS_HOST"); redisHost != "" {
		config.Redis.Host = redisHost
	}
	if redisPort := os.Getenv("REDIS_PORT"); redisPort != "" {
		if p, err := strconv.Atoi(redisPort); err == nil {
			config.Redis.Port = p
		}
	}
	if redisPassword := os.Getenv("REDIS_PASSWORD"); redisPassword != "" {
		config.Redis.Password = redisPassword
	}

	if natsURL := os.Getenv("NATS_URL"); natsURL != "" {
		config.NATS.URL = natsURL
	}

	if maxWorkers := os.Getenv("MAX_WORKERS"); maxWorkers != "" {
		if n, err := strconv.Atoi(maxWorkers); err == nil {
			config.Workers.MaxWorkers = n
		}
	}
	if gpus := os.Getenv("WORKER_GPUS"); gpus != "" {
		parsed := make([]int, 0)
		for _, part := range strings.Split(gpus, ",") {
			if idx, err := strconv.Atoi(strings.TrimSpace(part)); err == nil {
				parsed = append(parsed, idx)
			}
		}
		if len(parsed) > 0 {
			config.Workers.GPUs = parsed
		}
	}
	if cmd := os.Getenv("WORKER_COMMAND"); cmd != "" {
		config.Workers.Command = strings.Fields(cmd)
	}
	if timeout := os.Getenv("TASK_TIMEOUT"); timeout != "" {
		if t, err := strconv.Atoi(timeout); err == nil {
			config.Workers.TaskTimeout = t
		}
	}

	if limit := os.Getenv("QUOTA_LIMIT"); limit != "" {
		if l, err := strconv.ParseInt(limit, 10, 64); err == nil {
			config.Quota.Limit = l
		}
	}

	if artifactDir := os.Getenv("ARTIFACT_DIR"); artifactDir != "" {
		config.Storage.ArtifactDir = artifactDir
	}

	if secret := os.Getenv("JWT_SECRET"); secret != "" {
		config.JWT.Secret = secret
	}

	if corsOrigins := os.Getenv("CORS_ALLOWED_ORIGINS"); corsOrigins != "" {
		origins := strings.Split(corsOrigins, ",")
		config.CORS.AllowedOrigins = make([]string, 0, len(origins))
		for _, origin := range origins {
			trimmed := strings.TrimSpace(origin)
			if trimmed != "" {
				config.CORS.AllowedOrigins = append(config.CORS.AllowedOrigins, trimmed)
			}
		}
	}
}

// applyDefaults fills unset fields with defaults matching the product's bounds
func applyDefaults(config *Config) {
	if config.Workers.MaxWorkers <= 0 {
		config.Workers.MaxWorkers = 1
	}
	if len(config.Workers.GPUs) == 0 {
		config.Workers.GPUs = []int{0}
	}
	if config.Workers.ProbeTimeout <= 0 {
		config.Workers.ProbeTimeout = 30
	}
	if config.Workers.MaxRestartAttempts <= 0 {
		config.Workers.MaxRestartAttempts = 3
	}

	if config.Quota.Period == "" {
		config.Quota.Period = "day"
	}
	if config.Quota.Limit <= 0 {
		config.Quota.Limit = 100
	}
	if config.Quota.Costs == nil {
		config.Quota.Costs = map[string]int{
			"text_to_image":  1,
			"image_edit":     1,
			"batch_edit":     1,
			"text_to_video":  5,
			"image_to_video": 5,
		}
	}

	if config.Generation.MinInferenceSteps <= 0 {
		config.Generation.MinInferenceSteps = 20
	}
	if config.Generation.MaxInferenceSteps <= 0 {
		config.Generation.MaxInferenceSteps = 100
	}
	if config.Generation.MaxImagesPerRequest <= 0 {
		config.Generation.MaxImagesPerRequest = 4
	}
	if config.Generation.MaxBatchPrompts <= 0 {
		config.Generation.MaxBatchPrompts = 10
	}
	if config.Generation.MaxFrames <= 0 {
		config.Generation.MaxFrames = 97
	}
	if config.Generation.MaxUploadSizeMB <= 0 {
		config.Generation.MaxUploadSizeMB = 20
	}
	if len(config.Generation.AllowedImageTypes) == 0 {
		config.Generation.AllowedImageTypes = []string{"image/jpeg", "image/png", "image/webp"}
	}
	if len(config.Generation.AspectRatios) == 0 {
		config.Generation.AspectRatios = map[string][]int{
			"1:1":  {1024, 1024},
			"16:9": {1664, 928},
			"9:16": {928, 1664},
			"4:3":  {1472, 1104},
			"3:4":  {1104, 1472},
			"3:2":  {1584, 1056},
			"2:3":  {1056, 1584},
		}
	}

	if config.Storage.ArtifactDir == "" {
		config.Storage.ArtifactDir = "./artifacts"
	}
	if config.Storage.UploadDir == "" {
		config.Storage.UploadDir = "./uploads"
	}
	if config.Storage.WorkDir == "" {
		config.Storage.WorkDir = "./work"
	}
	if config.Storage.RetentionHours <= 0 {
		config.Storage.RetentionHours = 24
	}
	if config.Storage.SweepMinutes <= 0 {
		config.Storage.SweepMinutes = 60
	}
}
