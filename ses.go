// SPDX-FileCopyrightText: Copyright (c) The go-mail Authors
//
// SPDX-License-Identifier: MIT

package relay

import (
	"context"
	"errors"
	"fmt"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/sesv2"
	"github.com/aws/aws-sdk-go-v2/service/sesv2/types"
)

// SendEmailAPI is the part of the SES v2 client used by the SESTransport
type SendEmailAPI interface {
	SendEmail(ctx context.Context, params *sesv2.SendEmailInput, optFns ...func(*sesv2.Options)) (*sesv2.SendEmailOutput, error)
}

// SESConfig configures an SESTransport. Without static credentials the default AWS
// credential chain is used.
type SESConfig struct {
	Region          string
	AccessKeyID     string
	SecretAccessKey string
}

// SESTransport delivers the raw message through the Amazon SES v2 API. The envelope
// is passed as FromEmailAddress and Destination, so SES does not derive it from the
// message headers.
type SESTransport struct {
	client SendEmailAPI
}

// NewSESTransport returns an SESTransport using the AWS configuration for the region
func NewSESTransport(ctx context.Context, config SESConfig) (*SESTransport, error) {
	var opts []func(*awsconfig.LoadOptions) error
	if config.Region != "" {
		opts = append(opts, awsconfig.WithRegion(config.Region))
	}
	if config.AccessKeyID != "" && config.SecretAccessKey != "" {
		opts = append(opts, awsconfig.WithCredentialsProvider(
			credentials.NewStaticCredentialsProvider(config.AccessKeyID, config.SecretAccessKey, ""),
		))
	}
	awsConfig, err := awsconfig.LoadDefaultConfig(ctx, opts...)
	if err != nil {
		return nil, fmt.Errorf("failed to load AWS config: %w", err)
	}
	return NewSESTransportWithClient(sesv2.NewFromConfig(awsConfig)), nil
}

// NewSESTransportWithClient returns an SESTransport using the given client
func NewSESTransportWithClient(client SendEmailAPI) *SESTransport {
	return &SESTransport{client: client}
}

// Send hands the Envelope to SES. The message id of the SendResult is the id assigned
// by SES. Throttling errors are reported as a temporary DeliveryError.
func (s *SESTransport) Send(ctx context.Context, env *Envelope) (*SendResult, error) {
	if env == nil {
		return nil, ErrNoEnvelope
	}
	input := &sesv2.SendEmailInput{
		Destination: &types.Destination{ToAddresses: env.To()},
		Content: &types.EmailContent{
			Raw: &types.RawMessage{Data: env.Body()},
		},
	}
	if from := env.From(); from != "" {
		input.FromEmailAddress = aws.String(from)
	}

	output, err := s.client.SendEmail(ctx, input)
	if err != nil {
		if ctxErr := ctx.Err(); ctxErr != nil {
			return nil, ctxErr
		}
		derr := newDeliveryError(ErrTransport, env.To(), fmt.Errorf("SES API request failed: %w", err))
		derr.isTemp = isTemporarySESError(err)
		return nil, derr
	}
	result := &SendResult{Accepted: env.To()}
	if output != nil && output.MessageId != nil {
		result.MessageID = *output.MessageId
	}
	return result, nil
}

// isTemporarySESError reports whether err is a throttling or quota error that may
// succeed later
func isTemporarySESError(err error) bool {
	var tooMany *types.TooManyRequestsException
	var limit *types.LimitExceededException
	return errors.As(err, &tooMany) || errors.As(err, &limit)
}
