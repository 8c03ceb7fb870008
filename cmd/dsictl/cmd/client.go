package cmd

import (
	"context"
	"fmt"

	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"

	"github.com/dsu-project/dsid/api/dsi"
)

func dial(ctx context.Context, socketPath string) (*dsi.Client, func() error, error) {
	cc, err := grpc.NewClient("unix:"+socketPath,
		grpc.WithTransportCredentials(insecure.NewCredentials()),
	)
	if err != nil {
		return nil, nil, fmt.Errorf("connecting to %s: %w", socketPath, err)
	}

	return dsi.NewClient(cc), cc.Close, nil
}
