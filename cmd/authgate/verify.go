package main

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/google/uuid"
	"github.com/spf13/cobra"
	"github.com/upb/authgate/config"
	"github.com/upb/authgate/internal/observability"
	"github.com/upb/authgate/jwks"
	"github.com/upb/authgate/token"
	"go.uber.org/zap"
)

type verifyOptions struct {
	token    string
	jwksFile string
}

// verifyResult is printed on stdout for accepted and rejected tokens alike
type verifyResult struct {
	CorrelationID string                 `json:"correlation_id"`
	Valid         bool                   `json:"valid"`
	Reason        string                 `json:"reason,omitempty"`
	Subject       string                 `json:"sub,omitempty"`
	Claims        map[string]interface{} `json:"claims,omitempty"`
}

// errTokenRejected makes the process exit non-zero after the result is printed
var errTokenRejected = errors.New("token rejected")

func newVerifyCmd() *cobra.Command {
	opts := &verifyOptions{}

	cmd := &cobra.Command{
		Use:   "verify",
		Short: "Validate a bearer token with the configured policy",
		Long: `Validate a bearer token against OIDC_ISSUER and OIDC_AUDIENCE.

The token is read from --token or, when absent, from stdin. Keys come from the
issuer's discovery document unless --jwks-file points at a local key set.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runVerify(cmd.Context(), cmd, opts)
		},
	}

	cmd.Flags().StringVar(&opts.token, "token", "", "raw token; read from stdin when empty")
	cmd.Flags().StringVar(&opts.jwksFile, "jwks-file", "", "verify with the key set in this file instead of discovery")
	return cmd
}

func runVerify(ctx context.Context, cmd *cobra.Command, opts *verifyOptions) error {
	if ctx == nil {
		ctx = context.Background()
	}

	cfg, err := config.New(ctx)
	if err != nil {
		return err
	}
	logger, err := observability.NewLogger(cfg.Observability.LogLevel, cfg.Observability.LogFormat)
	if err != nil {
		return err
	}
	defer func() { _ = logger.Sync() }()

	correlationID := uuid.NewString()
	logger = logger.With(zap.String("correlation_id", correlationID))

	raw := opts.token
	if raw == "" {
		raw, err = readToken(cmd.InOrStdin())
		if err != nil {
			return err
		}
	}

	keys, err := verifyKeyResolver(cfg, opts.jwksFile, logger)
	if err != nil {
		return err
	}
	validator, err := token.NewValidator(cfg.OIDC.TokenConfig(), keys)
	if err != nil {
		return err
	}

	result := verifyResult{CorrelationID: correlationID}
	principal, err := validator.Validate(ctx, raw)
	if err != nil {
		result.Reason = string(token.ReasonOf(err))
		logger.Info("token rejected", zap.String("reason", result.Reason), zap.Error(err))
	} else {
		result.Valid = true
		result.Subject = principal.Subject
		result.Claims = principal.Claims
		logger.Info("token accepted", zap.String("sub", principal.Subject))
	}

	enc := json.NewEncoder(cmd.OutOrStdout())
	enc.SetIndent("", "  ")
	if err := enc.Encode(result); err != nil {
		return fmt.Errorf("write result: %w", err)
	}

	if !result.Valid {
		return errTokenRejected
	}
	return nil
}

// verifyKeyResolver returns a static resolver over jwksFile, or a
// discovering resolver when no file is given
func verifyKeyResolver(cfg *config.Config, jwksFile string, logger *zap.Logger) (token.KeyResolver, error) {
	if jwksFile == "" {
		return jwks.NewResolver(cfg.OIDC.ResolverConfig(), logger)
	}

	data, err := os.ReadFile(jwksFile)
	if err != nil {
		return nil, fmt.Errorf("read key set: %w", err)
	}
	keys, skipped, err := jwks.ParseKeySet(data)
	if err != nil {
		return nil, fmt.Errorf("parse key set %s: %w", jwksFile, err)
	}
	for _, s := range skipped {
		logger.Warn("skipping key", zap.String("kid", s.KeyID), zap.String("reason", s.Reason))
	}
	return jwks.NewStatic(keys...), nil
}

// readToken reads the first non-empty line of r. A leading "Bearer " is
// stripped so a copied header value works too.
func readToken(r io.Reader) (string, error) {
	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 0, 64*1024), 1<<20)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" {
			continue
		}
		if scheme, rest, ok := strings.Cut(line, " "); ok && strings.EqualFold(scheme, "bearer") {
			line = strings.TrimSpace(rest)
		}
		return line, nil
	}
	if err := scanner.Err(); err != nil {
		return "", fmt.Errorf("read token: %w", err)
	}
	return "", errors.New("no token given: use --token or pipe one on stdin")
}
