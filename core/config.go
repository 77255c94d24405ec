package core

import (
	"log"
	"net"
	"net/mail"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/pkg/errors"
	"github.com/spf13/viper"
)

// Notification modes
const (
	NotifyImmediate = "immediate"
	NotifyBatch     = "batch"
)

type (
	Config struct {
		AppName          string
		Env              string // DEV (local; default), TEST, QA, PROD
		Build            string
		Debug            bool
		TestMode         bool
		WorkDir          string
		SendgridApiKey   string
		RollbarToken     string
		defaultFromEmail string

		Server     ServerConfig
		Database   DatabaseConfig
		Mail       MailConfig
		Attendance AttendanceConfig
	}

	ServerConfig struct {
		Host            string
		Address         string
		DebugHost       string
		ShutdownTimeout time.Duration
		DisableReqLogs  bool
	}

	DatabaseConfig struct {
		Engine        string
		Host          string
		Port          string
		Name          string
		User          string
		Password      string
		AdminUser     string
		AdminPassword string
		DisableTLS    bool
	}

	MailConfig struct {
		Host     string
		Endpoint string
		Timeout  time.Duration
	}

	AttendanceConfig struct {
		Timezone         string
		NotificationMode string // NotifyImmediate | NotifyBatch
		AdultAge         int
		StoreTimeout     time.Duration
		FlushTimeout     time.Duration // bounds a batch flush after the response
		DefaultPageSize  int
		MaxPageSize      int
	}
)

func (dbc DatabaseConfig) Address() string {
	return net.JoinHostPort(dbc.Host, dbc.Port)
}

func (conf *Config) DefaultFromEmail() mail.Address {
	addr, err := mail.ParseAddress(conf.defaultFromEmail)
	if err != nil {
		return mail.Address{Name: conf.AppName, Address: "noreply@localhost"}
	}
	if addr.Name == "" {
		addr.Name = conf.AppName
	}
	return *addr
}

// Location returns the time zone attendance days are computed in.
// An unknown zone falls back to UTC.
func (conf *Config) Location() (*time.Location, error) {
	if conf.Attendance.Timezone == "" {
		return time.UTC, nil
	}
	loc, err := time.LoadLocation(conf.Attendance.Timezone)
	if err != nil {
		return time.UTC, errors.Wrapf(err, "loading timezone %q", conf.Attendance.Timezone)
	}
	return loc, nil
}

func (conf *Config) BatchNotifications() bool {
	return conf.Attendance.NotificationMode == NotifyBatch
}

func NewConfig() *Config {
	v := viper.New()

	// defaults
	v.SetTypeByDefaultValue(true)
	v.SetDefault("debug", true)
	v.SetDefault("appName", "Kanisa")
	v.SetDefault("build", "develop")
	v.SetDefault("defaultFromEmail", "Kanisa <noreply@localhost>")
	v.SetDefault("sendgridApiKey", "")
	v.SetDefault("rollbarToken", "")

	v.SetDefault("serverHost", "localhost")
	v.SetDefault("serverAddress", ":8000")
	v.SetDefault("serverDebugHost", ":4000")
	v.SetDefault("serverShutdownTimeout", 5*time.Second)
	v.SetDefault("serverDisableReqLogs", false)

	v.SetDefault("dbEngine", "postgres")
	v.SetDefault("dbHost", "localhost")
	v.SetDefault("dbPort", "5432")
	v.SetDefault("dbName", "kanisa")
	v.SetDefault("dbUser", "kanisa")
	v.SetDefault("dbPassword", "kanisa")
	v.SetDefault("dbAdminUser", "postgres")
	v.SetDefault("dbAdminPassword", "postgres")
	v.SetDefault("dbDisableTLS", true)

	v.SetDefault("mailHost", "https://api.sendgrid.com")
	v.SetDefault("mailEndpoint", "/v3/mail/send")
	v.SetDefault("mailTimeout", 10*time.Second)

	v.SetDefault("attendanceTimezone", "UTC")
	v.SetDefault("attendanceNotificationMode", NotifyImmediate)
	v.SetDefault("attendanceAdultAge", 18)
	v.SetDefault("attendanceStoreTimeout", 5*time.Second)
	v.SetDefault("attendanceFlushTimeout", 30*time.Second)
	v.SetDefault("attendanceDefaultPageSize", 20)
	v.SetDefault("attendanceMaxPageSize", 200)

	env := strings.ToUpper(os.Getenv("ENV"))
	switch env {
	case "":
		env = "DEV"
	case "TEST":
		v.SetDefault("testMode", true)
	}
	v.SetEnvPrefix(env)

	workDir := Getwd()

	// load .env if it exists (ignore if it does not)
	dotEnvPath := filepath.Join(workDir, "config", ".env."+strings.ToLower(env))
	if _, err := os.Stat(dotEnvPath); err == nil {
		if err := godotenv.Load(dotEnvPath); err != nil {
			log.Fatalf("config.godotenv(%s): %v", dotEnvPath, err)
		}
	} else if !os.IsNotExist(err) {
		log.Fatalf("config.os.Stat(%s): %v", dotEnvPath, err)
	}
	v.AutomaticEnv()

	return &Config{
		AppName:          v.GetString("appName"),
		Env:              env,
		Build:            v.GetString("build"),
		Debug:            v.GetBool("debug"),
		TestMode:         v.GetBool("testMode"),
		WorkDir:          workDir,
		SendgridApiKey:   v.GetString("sendgridApiKey"),
		RollbarToken:     v.GetString("rollbarToken"),
		defaultFromEmail: v.GetString("defaultFromEmail"),
		Server: ServerConfig{
			Host:            v.GetString("serverHost"),
			Address:         v.GetString("serverAddress"),
			DebugHost:       v.GetString("serverDebugHost"),
			ShutdownTimeout: v.GetDuration("serverShutdownTimeout"),
			DisableReqLogs:  v.GetBool("serverDisableReqLogs"),
		},
		Database: DatabaseConfig{
			Engine:        v.GetString("dbEngine"),
			Host:          v.GetString("dbHost"),
			Port:          v.GetString("dbPort"),
			Name:          v.GetString("dbName"),
			User:          v.GetString("dbUser"),
			Password:      v.GetString("dbPassword"),
			AdminUser:     v.GetString("dbAdminUser"),
			AdminPassword: v.GetString("dbAdminPassword"),
			DisableTLS:    v.GetBool("dbDisableTLS"),
		},
		Mail: MailConfig{
			Host:     v.GetString("mailHost"),
			Endpoint: v.GetString("mailEndpoint"),
			Timeout:  v.GetDuration("mailTimeout"),
		},
		Attendance: AttendanceConfig{
			Timezone:         v.GetString("attendanceTimezone"),
			NotificationMode: strings.ToLower(v.GetString("attendanceNotificationMode")),
			AdultAge:         v.GetInt("attendanceAdultAge"),
			StoreTimeout:     v.GetDuration("attendanceStoreTimeout"),
			FlushTimeout:     v.GetDuration("attendanceFlushTimeout"),
			DefaultPageSize:  v.GetInt("attendanceDefaultPageSize"),
			MaxPageSize:      v.GetInt("attendanceMaxPageSize"),
		},
	}
}
