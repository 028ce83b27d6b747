package main

import (
	"context"
	"fmt"
	"strings"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/ssm"
	"github.com/rs/zerolog/log"
)

type ssmAPI interface {
	GetParameter(ctx context.Context, in *ssm.GetParameterInput, optFns ...func(*ssm.Options)) (*ssm.GetParameterOutput, error)
}

// resolveLedgerKey returns the configured ledger key, fetching it from SSM
// Parameter Store when only a parameter name is given.
func resolveLedgerKey(ctx context.Context, cfg LedgerConfig) (string, error) {
	if cfg.PrivateKey != "" || cfg.PrivateKeySSMParam == "" {
		return cfg.PrivateKey, nil
	}

	awsCfg, err := awsconfig.LoadDefaultConfig(ctx, awsconfig.WithRegion(cfg.Region))
	if err != nil {
		return "", fmt.Errorf("failed to load AWS config: %w", err)
	}
	return fetchParameter(ctx, ssm.NewFromConfig(awsCfg), cfg.PrivateKeySSMParam)
}

func fetchParameter(ctx context.Context, client ssmAPI, name string) (string, error) {
	out, err := client.GetParameter(ctx, &ssm.GetParameterInput{
		Name:           aws.String(name),
		WithDecryption: aws.Bool(true),
	})
	if err != nil {
		return "", fmt.Errorf("SSM GetParameter failed: %w", err)
	}
	if out.Parameter == nil || out.Parameter.Value == nil {
		return "", fmt.Errorf("SSM parameter %s has no value", name)
	}

	log.Debug().Str("parameter", name).Msg("Loaded ledger key from SSM")
	return strings.TrimSpace(*out.Parameter.Value), nil
}
