package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/cloudwatchlogs"
	cip "github.com/aws/aws-sdk-go-v2/service/cognitoidentityprovider"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb"
	"github.com/aws/aws-sdk-go-v2/service/secretsmanager"
	"github.com/aws/aws-sdk-go-v2/service/sesv2"
	"github.com/jmoiron/sqlx"
	"github.com/joho/godotenv"

	"github.com/opensciencelab/portal/internal/auth"
	"github.com/opensciencelab/portal/internal/cognito"
	"github.com/opensciencelab/portal/internal/iplog"
	"github.com/opensciencelab/portal/internal/labs"
	"github.com/opensciencelab/portal/internal/mail"
	"github.com/opensciencelab/portal/internal/oidc"
	"github.com/opensciencelab/portal/internal/portal"
	"github.com/opensciencelab/portal/internal/router"
	"github.com/opensciencelab/portal/internal/user"
	"github.com/opensciencelab/portal/internal/user/repo"
	"github.com/opensciencelab/portal/pkg/database"
	"github.com/opensciencelab/portal/pkg/utilities"
)

func main() {
	// load .env file if present so os.Getenv picks values from it
	_ = godotenv.Load()

	lg, err := utilities.InitLogger(utilities.LogConfigFromEnv())
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to init logger: %v\n", err)
		os.Exit(1)
	}
	defer lg.Sync()

	sugar := lg.Sugar()
	sugar.Info("starting portal api")

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	awsCfg, err := awsconfig.LoadDefaultConfig(ctx)
	if err != nil {
		sugar.Fatalf("aws config: %v", err)
	}

	// record store backend: dynamo in deployment, postgres for local work
	var store repo.Store
	switch backend := os.Getenv("RECORD_STORE"); backend {
	case "", "dynamo":
		store = repo.NewDynamoStore(dynamodb.NewFromConfig(awsCfg), repo.DynamoTableFromEnv())
	case "postgres":
		sqlDB, err := database.Connect(database.ConfigFromEnv())
		if err != nil {
			sugar.Fatalf("db connect: %v", err)
		}
		defer sqlDB.Close()
		store = repo.NewPostgresStore(sqlx.NewDb(sqlDB, "postgres"))
	default:
		sugar.Fatalf("unknown RECORD_STORE %q", backend)
	}

	users := user.NewService(store, sugar)

	oidcCfg := oidc.ConfigFromEnv()
	oidcClient := oidc.NewClient(oidcCfg, nil, sugar)
	keyset := oidc.NewKeyset(oidcCfg.JWKSURL, nil, sugar)
	resolver := oidc.NewResolver(oidcClient, keyset, sugar)

	secrets := auth.NewSecretsManagerSource(
		secretsmanager.NewFromConfig(awsCfg), auth.SecretNameFromEnv())
	codec := auth.NewCodec(secrets)

	admin := cognito.NewAdmin(
		cip.NewFromConfig(awsCfg), cognito.PoolIDFromEnv(), oidcCfg.ClientID, sugar)
	mailer := mail.NewSender(sesv2.NewFromConfig(awsCfg), users, mail.ConfigFromEnv(), sugar)
	activity := iplog.NewWriter(
		cloudwatchlogs.NewFromConfig(awsCfg), iplog.ConfigFromEnv(), sugar)

	catalog, err := labs.CatalogFromEnv()
	if err != nil {
		sugar.Fatalf("lab catalog: %v", err)
	}

	handler := portal.NewHandler(
		users, oidcClient, keyset, resolver, codec, admin, mailer, activity, catalog, sugar)
	authn := auth.NewAuthenticator(resolver, keyset, codec, users, oidcCfg.ClientID, sugar)
	gate := auth.NewGate(sugar)

	addr := os.Getenv("LISTEN_ADDR")
	if addr == "" {
		addr = "0.0.0.0:8431"
	}
	srv := &http.Server{
		Addr:    addr,
		Handler: router.New(handler, authn, gate, sugar),
	}

	go func() {
		sugar.Infow("listening", "addr", addr)
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			sugar.Fatalf("http server failed: %v", err)
		}
	}()

	<-ctx.Done()
	sugar.Info("shutting down")

	doneCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := srv.Shutdown(doneCtx); err != nil {
		sugar.Warnf("http server shutdown failed: %v", err)
	}
	sugar.Info("goodbye")
}
