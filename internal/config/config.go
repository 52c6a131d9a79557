package config

import (
	"github.com/caarlos0/env/v10"
	"github.com/joho/godotenv"
	"github.com/sirupsen/logrus"
)

type Config struct {
	HTTPPort string `env:"HTTP_PORT" envDefault:"8080"`
	LogLevel string `env:"LOG_LEVEL" envDefault:"info"`

	// 体验码注册表：优先读内联 JSON，其次读文件
	AccessCodesJSON string `env:"ACCESS_CODES_JSON" envDefault:""`
	AccessCodesPath string `env:"ACCESS_CODES_PATH" envDefault:"datas/access_codes.json"`

	// 配额台账后端：file / bolt / sqlite / mysql / postgres
	LedgerType string `env:"LEDGER_TYPE" envDefault:"file"`
	LedgerPath string `env:"LEDGER_PATH" envDefault:"datas/usage_stats.json"`

	DSNURL     string `env:"DSN_URL" envDefault:""`
	DBUser     string `env:"DBUser" envDefault:""`
	DBPassword string `env:"DBPassword" envDefault:""`
	DBAddr     string `env:"DBAddr" envDefault:""`
	DBName     string `env:"DBName" envDefault:"tryon"`
	DBPath     string `env:"DBPath" envDefault:"datas/tryon.db"`
	DBPort     string `env:"DBPort" envDefault:"3306"`

	// 生成驱动：gemini（默认）或 seedream
	GenerationDriver string `env:"GENERATION_DRIVER" envDefault:"gemini"`
	GeminiAPIKey     string `env:"GEMINI_API_KEY" envDefault:""`
	GeminiModel      string `env:"GEMINI_MODEL" envDefault:"gemini-2.5-flash-image-preview"`
	GeminiEndpoint   string `env:"GEMINI_ENDPOINT" envDefault:""`
	ArkAPIKey        string `env:"ARK_API_KEY" envDefault:""`
	ArkModel         string `env:"ARK_MODEL" envDefault:"doubao-seedream-4-0-250828"`

	// 每次生成请求默认携带的指令文本，请求级可覆盖
	TryOnPrompt string `env:"TRYON_PROMPT" envDefault:"Dress the person from the first image in the clothing shown in the following images. Keep the person's face, pose and background unchanged and render a realistic full-body result."`

	RetryMaxAttempts    int `env:"RETRY_MAX_ATTEMPTS" envDefault:"3"`
	RetryBackoffSeconds int `env:"RETRY_BACKOFF_SECONDS" envDefault:"2"`

	// 批次临时图片目录，留空使用系统临时目录
	ScratchDir string `env:"SCRATCH_DIR" envDefault:""`

	StorageType          string `env:"STORAGE_TYPE" envDefault:"local"`
	StorageLocalDir      string `env:"STORAGE_LOCAL_DIR" envDefault:"datas/files"`
	StoragePublicBaseURL string `env:"STORAGE_PUBLIC_BASE_URL" envDefault:"/files"`

	// S3 兼容存储配置
	StorageS3Region          string `env:"STORAGE_S3_REGION"`
	StorageS3Bucket          string `env:"STORAGE_S3_BUCKET"`
	StorageS3Prefix          string `env:"STORAGE_S3_PREFIX"`
	StorageS3Endpoint        string `env:"STORAGE_S3_ENDPOINT"`
	StorageS3AccessKeyID     string `env:"STORAGE_S3_ACCESS_KEY_ID"`
	StorageS3SecretAccessKey string `env:"STORAGE_S3_SECRET_ACCESS_KEY"`
	StorageS3SessionToken    string `env:"STORAGE_S3_SESSION_TOKEN"`
	StorageS3ForcePathStyle  bool   `env:"STORAGE_S3_FORCE_PATH_STYLE" envDefault:"false"`

	// 阿里云 OSS 存储配置
	StorageOSSEndpoint        string `env:"STORAGE_OSS_ENDPOINT"`
	StorageOSSBucket          string `env:"STORAGE_OSS_BUCKET"`
	StorageOSSPrefix          string `env:"STORAGE_OSS_PREFIX"`
	StorageOSSAccessKeyID     string `env:"STORAGE_OSS_ACCESS_KEY_ID"`
	StorageOSSAccessKeySecret string `env:"STORAGE_OSS_ACCESS_KEY_SECRET"`

	// 腾讯云 COS 存储配置
	StorageCOSBucketURL string `env:"STORAGE_COS_BUCKET_URL"`
	StorageCOSPrefix    string `env:"STORAGE_COS_PREFIX"`
	StorageCOSSecretID  string `env:"STORAGE_COS_SECRET_ID"`
	StorageCOSSecretKey string `env:"STORAGE_COS_SECRET_KEY"`

	// Cloudflare R2 存储配置
	StorageR2AccountID       string `env:"STORAGE_R2_ACCOUNT_ID"`
	StorageR2Endpoint        string `env:"STORAGE_R2_ENDPOINT"`
	StorageR2Region          string `env:"STORAGE_R2_REGION" envDefault:"auto"`
	StorageR2Bucket          string `env:"STORAGE_R2_BUCKET"`
	StorageR2Prefix          string `env:"STORAGE_R2_PREFIX"`
	StorageR2AccessKeyID     string `env:"STORAGE_R2_ACCESS_KEY_ID"`
	StorageR2SecretAccessKey string `env:"STORAGE_R2_SECRET_ACCESS_KEY"`

	JWTSecret            string `env:"JWT_SECRET" envDefault:"dev-secret-change-me"`
	JWTIssuer            string `env:"JWT_ISSUER" envDefault:"tryon-app"`
	JWTExpirationMinutes int    `env:"JWT_EXPIRATION_MINUTES" envDefault:"1440"`

	// bcrypt 哈希或明文均可；留空时管理端路由不注册
	AdminPassword string `env:"ADMIN_PASSWORD" envDefault:""`
}

func ParseConfig() (Config, error) {
	// .env 不存在时静默跳过
	_ = godotenv.Load()

	var Conf Config
	err := env.Parse(&Conf)
	if err != nil {
		logrus.WithError(err).Error("env.Parse error")
		return Config{}, err
	}
	logrus.Debugf("%#v\n", Conf)
	return Conf, nil
}
