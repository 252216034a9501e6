package ruleset

import (
	"os"
	"os/signal"
	"sync"
	"syscall"

	"go.uber.org/zap"

	"github.com/apernet/ovpnkit/config"
)

type RuleSetHandler func(Ruleset) error

type RuleSetLoader interface {
	Start() error
	Stop()
}

// SignalRuleSetLoader recompiles the rule file on SIGHUP. The new ruleset
// applies to the next push reply; a bad file keeps the old rules.
type SignalRuleSetLoader struct {
	o          sync.Once
	filePath   string
	filters    []config.PullFilter
	handler    RuleSetHandler
	reloadChan chan os.Signal
	done       chan struct{}
	config     *BuiltinConfig
	logger     *zap.Logger
}

func NewSignalRuleSetLoader(path string, filters []config.PullFilter, handler RuleSetHandler, cfg *BuiltinConfig, logger *zap.Logger) RuleSetLoader {
	return &SignalRuleSetLoader{
		filePath:   path,
		filters:    filters,
		handler:    handler,
		reloadChan: make(chan os.Signal, 1),
		done:       make(chan struct{}),
		config:     cfg,
		logger:     logger,
	}
}

// Load compiles the profile's pull filters followed by the rules of path.
// An empty path yields the pull filters alone.
func Load(path string, filters []config.PullFilter, cfg *BuiltinConfig) (Ruleset, error) {
	rules := ExprRulesFromPullFilters(filters)
	if path != "" {
		fileRules, err := ExprRulesFromYAML(path)
		if err != nil {
			return nil, err
		}
		rules = append(rules, fileRules...)
	}
	return CompileExprRules(rules, cfg)
}

func (l *SignalRuleSetLoader) Start() error {
	l.o.Do(
		func() {
			signal.Notify(l.reloadChan, syscall.SIGHUP)
			go func() {
				for {
					select {
					case <-l.reloadChan:
					case <-l.done:
						return
					}
					l.logger.Info("reloading rules", zap.String("file", l.filePath))
					rs, err := Load(l.filePath, l.filters, l.config)
					if err != nil {
						l.logger.Error("failed to load rules, using old rules", zap.Error(err))
						continue
					}
					err = l.handler(rs)
					if err != nil {
						l.logger.Error("failed to update ruleset", zap.Error(err))
					} else {
						l.logger.Info("rules reloaded")
					}
				}
			}()
		},
	)
	return nil
}

func (l *SignalRuleSetLoader) Stop() {
	signal.Stop(l.reloadChan)
	select {
	case <-l.done:
	default:
		close(l.done)
	}
}
