// Command dial places an outbound call that connects to a running callgpt
// server through its voice webhook.
package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"time"

	"github.com/spf13/viper"

	"github.com/ryanm/call-gpt/pkg/configutil"
	"github.com/ryanm/call-gpt/pkg/transports"
	twiliotransport "github.com/ryanm/call-gpt/pkg/transports/twilio"
)

type dialConfig struct {
	Transports struct {
		Provider string         `mapstructure:"provider"`
		Settings map[string]any `mapstructure:"settings"`
	} `mapstructure:"transports"`
}

func main() {
	configPath := flag.String("config", "config.yaml", "path to the YAML config")
	from := flag.String("from", "", "caller ID, a Twilio number on the account")
	to := flag.String("to", "", "number to call")
	voiceURL := flag.String("voice_url", "", "override the voice webhook URL")
	sendDigits := flag.String("send_digits", "", "DTMF digits to send once answered")
	statusCallback := flag.String("status_callback", "", "override the status callback URL")
	flag.Parse()
	if *from == "" || *to == "" {
		fmt.Fprintln(os.Stderr, "usage: dial -from=+123 -to=+456 [-config=config.yaml]")
		os.Exit(2)
	}

	settings, err := loadTwilioSettings(*configPath)
	if err != nil {
		fmt.Fprintln(os.Stderr, "config error:", err)
		os.Exit(1)
	}
	if *voiceURL == "" && settings.PublicURL == "" {
		fmt.Fprintln(os.Stderr, "transports.settings.public_url is empty; pass -voice_url")
		os.Exit(1)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	callSID, err := twiliotransport.NewDialer(settings).DialWithOptions(ctx, *to, *from, *voiceURL, transports.DialOptions{
		SendDigits:     *sendDigits,
		StatusCallback: *statusCallback,
	})
	if err != nil {
		fmt.Fprintln(os.Stderr, "call error:", err)
		os.Exit(1)
	}
	fmt.Println("call_sid:", callSID)
}

func loadTwilioSettings(path string) (twiliotransport.Config, error) {
	v := viper.New()
	v.SetConfigFile(path)
	if err := v.ReadInConfig(); err != nil {
		return twiliotransport.Config{}, err
	}
	var cfg dialConfig
	if err := v.Unmarshal(&cfg); err != nil {
		return twiliotransport.Config{}, err
	}
	for k, val := range cfg.Transports.Settings {
		if s, ok := val.(string); ok {
			cfg.Transports.Settings[k] = os.ExpandEnv(s)
		}
	}
	var settings twiliotransport.Config
	if err := configutil.Load("transports.settings", cfg.Transports.Settings, configutil.Schema{
		Required:     []string{"account_sid", "auth_token"},
		AllowUnknown: true,
	}, &settings); err != nil {
		return twiliotransport.Config{}, err
	}
	return settings, nil
}
