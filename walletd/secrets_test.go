package main

import (
	"context"
	"errors"
	"testing"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/ssm"
	"github.com/aws/aws-sdk-go-v2/service/ssm/types"
)

type fakeSSM struct {
	params map[string]string
	last   *ssm.GetParameterInput
}

func (f *fakeSSM) GetParameter(_ context.Context, in *ssm.GetParameterInput, _ ...func(*ssm.Options)) (*ssm.GetParameterOutput, error) {
	f.last = in
	v, ok := f.params[aws.ToString(in.Name)]
	if !ok {
		return nil, errors.New("ParameterNotFound")
	}
	return &ssm.GetParameterOutput{Parameter: &types.Parameter{Value: aws.String(v)}}, nil
}

func TestFetchParameter(t *testing.T) {
	client := &fakeSSM{params: map[string]string{"/walletd/ledger-key": "  abcdef\n"}}

	got, err := fetchParameter(context.Background(), client, "/walletd/ledger-key")
	if err != nil {
		t.Fatalf("fetchParameter failed: %v", err)
	}
	if got != "abcdef" {
		t.Errorf("Expected trimmed value, got %q", got)
	}
	if !aws.ToBool(client.last.WithDecryption) {
		t.Error("Expected WithDecryption to be set")
	}

	if _, err := fetchParameter(context.Background(), client, "/missing"); err == nil {
		t.Error("Expected error for missing parameter")
	}
}

func TestResolveLedgerKeyPrefersInlineKey(t *testing.T) {
	got, err := resolveLedgerKey(context.Background(), LedgerConfig{
		PrivateKey:         "inline",
		PrivateKeySSMParam: "/ignored",
	})
	if err != nil {
		t.Fatalf("resolveLedgerKey failed: %v", err)
	}
	if got != "inline" {
		t.Errorf("Expected inline key, got %q", got)
	}

	got, err = resolveLedgerKey(context.Background(), LedgerConfig{})
	if err != nil || got != "" {
		t.Errorf("Expected empty key without error, got %q %v", got, err)
	}
}
