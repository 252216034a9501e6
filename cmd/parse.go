package cmd

import (
	"os"

	"github.com/apernet/ovpnkit/config"
	"github.com/apernet/ovpnkit/cryptobox"

	"github.com/spf13/cobra"
	"go.uber.org/zap"
	"gopkg.in/yaml.v3"
)

var parseStripped bool

var parseCmd = &cobra.Command{
	Use:   "parse [flags] profile",
	Short: "Parse an OpenVPN profile and print the resulting configuration",
	Args:  cobra.ExactArgs(1),
	Run:   runParse,
}

func init() {
	parseCmd.Flags().BoolVarP(&parseStripped, "stripped", "s", false, "also print the profile without inline material")
}

type profileSummary struct {
	Hostname          string   `yaml:"hostname"`
	Endpoints         []string `yaml:"endpoints"`
	RandomizeEndpoint bool     `yaml:"randomizeEndpoint,omitempty"`

	Cipher      string   `yaml:"cipher"`
	DataCiphers []string `yaml:"dataCiphers,omitempty"`
	Digest      string   `yaml:"digest"`
	DigestSize  int      `yaml:"digestSize,omitempty"`
	Compression string   `yaml:"compression"`
	Framing     string   `yaml:"framing"`

	TLSWrap        string `yaml:"tlsWrap"`
	TLSMinVersion  string `yaml:"tlsMinVersion,omitempty"`
	ClientCert     bool   `yaml:"clientCert"`
	RemoteCertTLS  bool   `yaml:"remoteCertTLS"`
	VerifyX509Name string `yaml:"verifyX509Name,omitempty"`

	KeepAliveInterval string `yaml:"keepAliveInterval,omitempty"`
	KeepAliveTimeout  string `yaml:"keepAliveTimeout,omitempty"`
	RenegotiatesAfter string `yaml:"renegotiatesAfter,omitempty"`
	HandshakeWindow   string `yaml:"handshakeWindow"`

	AuthUserPass bool     `yaml:"authUserPass"`
	RouteNoPull  bool     `yaml:"routeNoPull,omitempty"`
	PullFilters  []string `yaml:"pullFilters,omitempty"`

	SupportedCiphers []string `yaml:"supportedCiphers"`

	Warning  string   `yaml:"warning,omitempty"`
	Ignored  []string `yaml:"ignored,omitempty"`
	Stripped []string `yaml:"stripped,omitempty"`
}

func summarize(r *config.Result) profileSummary {
	c := r.Configuration
	s := profileSummary{
		Hostname:          c.Hostname,
		RandomizeEndpoint: c.RandomizeEndpoint,
		Cipher:            c.Cipher,
		DataCiphers:       c.DataCiphers,
		Digest:            c.Digest,
		DigestSize:        cryptobox.DigestLength(c.Digest),
		Compression:       c.CompressionAlgorithm.String(),
		Framing:           c.CompressionFraming.String(),
		TLSWrap:           config.TLSWrapNone.String(),
		TLSMinVersion:     c.TLSMinVersion,
		ClientCert:        len(c.ClientCertificate) > 0,
		RemoteCertTLS:     c.RemoteCertTLS,
		AuthUserPass:      c.AuthUserPass,
		RouteNoPull:       c.RouteNoPull,
		HandshakeWindow:   c.HandshakeWindow.String(),
		SupportedCiphers:  cryptobox.SupportedCiphers(),
		Ignored:           r.Ignored,
		Stripped:          r.Stripped,
	}
	for _, e := range c.Endpoints {
		s.Endpoints = append(s.Endpoints, e.String())
	}
	if c.TLSWrap != nil {
		s.TLSWrap = c.TLSWrap.Strategy.String()
	}
	if c.VerifyX509Name != nil {
		s.VerifyX509Name = c.VerifyX509Name.Type + ":" + c.VerifyX509Name.Name
	}
	if c.KeepAliveInterval > 0 {
		s.KeepAliveInterval = c.KeepAliveInterval.String()
	}
	if c.KeepAliveTimeout > 0 {
		s.KeepAliveTimeout = c.KeepAliveTimeout.String()
	}
	if c.RenegotiatesAfter > 0 {
		s.RenegotiatesAfter = c.RenegotiatesAfter.String()
	}
	for _, f := range c.PullFilters {
		s.PullFilters = append(s.PullFilters, f.Action+" "+f.Text)
	}
	if r.Warning != nil {
		s.Warning = r.Warning.Error()
	}
	return s
}

func runParse(cmd *cobra.Command, args []string) {
	var opts []config.Option
	if parseStripped {
		opts = append(opts, config.WithStripped())
	}
	result, err := config.ParseFile(args[0], opts...)
	if err != nil {
		logger.Fatal("failed to parse profile", zap.String("file", args[0]), zap.Error(err))
	}
	enc := yaml.NewEncoder(os.Stdout)
	enc.SetIndent(2)
	if err := enc.Encode(summarize(result)); err != nil {
		logger.Fatal("failed to print configuration", zap.Error(err))
	}
	_ = enc.Close()
}
