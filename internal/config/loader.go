package config

import (
	"context"
	"errors"
	"fmt"
	"os"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/appconfigdata"
)

// Loader fetches the raw config document from wherever it lives.
type Loader interface {
	Load(ctx context.Context) ([]byte, error)
	Describe() string
}

// FileLoader reads a local file on every call.
type FileLoader struct {
	Path string
}

func (l FileLoader) Load(ctx context.Context) ([]byte, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	data, err := os.ReadFile(l.Path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil, fmt.Errorf("config file not found: %s", l.Path)
		}
		return nil, err
	}
	return data, nil
}

func (l FileLoader) Describe() string {
	return l.Path
}

// AppConfigAPI is the subset of the AppConfig data client the loader uses.
type AppConfigAPI interface {
	StartConfigurationSession(ctx context.Context, in *appconfigdata.StartConfigurationSessionInput, optFns ...func(*appconfigdata.Options)) (*appconfigdata.StartConfigurationSessionOutput, error)
	GetLatestConfiguration(ctx context.Context, in *appconfigdata.GetLatestConfigurationInput, optFns ...func(*appconfigdata.Options)) (*appconfigdata.GetLatestConfigurationOutput, error)
}

// AppConfigLoader polls AWS AppConfig. The service only returns a payload
// when the configuration changed, so the last payload is replayed otherwise.
type AppConfigLoader struct {
	client   AppConfigAPI
	settings AppConfigSettings

	token *string
	last  []byte
}

const defaultAWSRegion = "us-east-1"

// NewAppConfigLoader builds a loader using the default AWS credential chain.
func NewAppConfigLoader(ctx context.Context, settings AppConfigSettings) (*AppConfigLoader, error) {
	if settings.ApplicationID == "" || settings.EnvironmentID == "" || settings.ProfileID == "" {
		return nil, errors.New("APP_CONFIG_APPLICATION_ID, APP_CONFIG_ENVIRONMENT_ID and APP_CONFIG_PROFILE_ID are required")
	}
	cfg, err := awsconfig.LoadDefaultConfig(ctx)
	if err != nil {
		return nil, fmt.Errorf("load aws config: %w", err)
	}
	if cfg.Region == "" {
		cfg.Region = defaultAWSRegion
	}
	return NewAppConfigLoaderWithClient(appconfigdata.NewFromConfig(cfg), settings), nil
}

// NewAppConfigLoaderWithClient wraps an existing client.
func NewAppConfigLoaderWithClient(client AppConfigAPI, settings AppConfigSettings) *AppConfigLoader {
	return &AppConfigLoader{client: client, settings: settings}
}

func (l *AppConfigLoader) Load(ctx context.Context) ([]byte, error) {
	if l.token == nil {
		out, err := l.client.StartConfigurationSession(ctx, &appconfigdata.StartConfigurationSessionInput{
			ApplicationIdentifier:          aws.String(l.settings.ApplicationID),
			EnvironmentIdentifier:          aws.String(l.settings.EnvironmentID),
			ConfigurationProfileIdentifier: aws.String(l.settings.ProfileID),
		})
		if err != nil {
			return nil, fmt.Errorf("start appconfig session: %w", err)
		}
		if out.InitialConfigurationToken == nil {
			return nil, errors.New("no initial token from AppConfigData")
		}
		l.token = out.InitialConfigurationToken
	}

	out, err := l.client.GetLatestConfiguration(ctx, &appconfigdata.GetLatestConfigurationInput{
		ConfigurationToken: l.token,
	})
	if err != nil {
		// An expired token cannot be reused; start a new session next time.
		l.token = nil
		return nil, fmt.Errorf("get latest appconfig configuration: %w", err)
	}
	l.token = out.NextPollConfigurationToken

	if len(out.Configuration) > 0 {
		l.last = append([]byte(nil), out.Configuration...)
	}
	if l.last == nil {
		return nil, errors.New("appconfig returned an empty configuration")
	}
	return l.last, nil
}

func (l *AppConfigLoader) Describe() string {
	return fmt.Sprintf("appconfig:%s/%s/%s", l.settings.ApplicationID, l.settings.EnvironmentID, l.settings.ProfileID)
}
