// Package cli — интерактивная операторская консоль процесса. Сервис стартует
// фоном, читает команды из readline и показывает состояние конвейера: живость
// сессий, счётчики буфера/роутера/шлюза, управление уровнем логирования.
// Start/Stop идемпотентны и корректно встраиваются в lifecycle приложения.
package cli

import (
	"context"
	"fmt"
	"strings"
	"sync"

	"github.com/chzyer/readline"
	"github.com/kr/pretty"

	"telegram-dualbot/internal/infra/logger"
)

// commandDescriptor описывает одну CLI-команду: её имя и краткое описание для help.
type commandDescriptor struct {
	name        string
	description string
}

// commandDescriptors — реестр доступных команд. Рендерится в help.
// Имена должны совпадать с кейсами в handleCommand().
var commandDescriptors = []commandDescriptor{
	{name: "help", description: "Show available commands with short descriptions"},
	{name: "status", description: "Show session liveness and pipeline health"},
	{name: "stats", description: "Dump pipeline counters (buffer, router, gateway, reports)"},
	{name: "level", description: "Set console log level: level <debug|info|warn|error>"},
	{name: "exit", description: "Stop the process"},
}

// SessionStatus — строка статуса одной сессии для команды status.
type SessionStatus struct {
	ID    string
	Kind  string
	State string
}

// Snapshot — моментальный снимок состояния конвейера. Собирается приложением
// по запросу консоли; консоль ничего не знает о внутренних типах конвейера.
type Snapshot struct {
	Sessions []SessionStatus
	Buffer   any
	Router   any
	Gateway  any
	Reports  map[string]uint64
}

// Service инкапсулирует консоль. Собственный cancel, цикл чтения команд в
// отдельной горутине, синхронная остановка через Stop().
type Service struct {
	snapshot func() Snapshot
	stopApp  context.CancelFunc

	rl        *readline.Instance
	cancel    context.CancelFunc
	wg        sync.WaitGroup
	onceStart sync.Once
	onceStop  sync.Once
}

// NewService создаёт консоль. snapshot вызывается на каждую команду status/stats;
// stopApp — «глобальная» остановка приложения (команда exit).
func NewService(snapshot func() Snapshot, stopApp context.CancelFunc) *Service {
	return &Service{snapshot: snapshot, stopApp: stopApp}
}

// Start запускает цикл чтения команд в отдельной горутине. Повторные вызовы
// безопасно игнорируются.
func (s *Service) Start(ctx context.Context) {
	s.onceStart.Do(func() {
		rl, err := readline.New("> ")
		if err != nil {
			logger.Warnf("cli: readline unavailable, console disabled: %v", err)
			return
		}
		s.rl = rl

		runCtx, cancel := context.WithCancel(ctx)
		s.cancel = cancel
		s.wg.Go(func() { s.run(runCtx) })
	})
}

// Stop завершает консоль: прерывает readline, отменяет контекст и дожидается
// завершения цикла.
func (s *Service) Stop() {
	s.onceStop.Do(func() {
		if s.cancel != nil {
			s.cancel()
		}
		if s.rl != nil {
			_ = s.rl.Close()
		}
		s.wg.Wait()
	})
}

// run — основной цикл: печатает подсказку и читает команды построчно.
// Выход — по отмене контекста, EOF от readline или команде exit.
func (s *Service) run(ctx context.Context) {
	logger.Debug("cli: console started")
	fmt.Println("Console started. Commands:", joinCommandNames(commandDescriptors))

	for {
		if ctx.Err() != nil {
			return
		}

		line, err := s.rl.Readline()
		if err != nil {
			logger.Debugf("cli: console deactivated: %v", err)
			return
		}

		if s.handleCommand(strings.TrimSpace(line)) {
			return
		}
	}
}

// handleCommand разбирает введённую команду. Возвращает true для exit.
func (s *Service) handleCommand(cmd string) bool {
	name, arg, _ := strings.Cut(cmd, " ")
	switch name {
	case "help":
		printCommandHelp()
	case "status":
		s.handleStatus()
	case "stats":
		s.handleStats()
	case "level":
		s.handleLevel(strings.TrimSpace(arg))
	case "exit":
		if s.stopApp != nil {
			s.stopApp()
		}
		return true
	case "":
		// ignore
	default:
		fmt.Println("unknown command:", cmd)
	}
	return false
}

// handleStatus печатает живость сессий и число диалогов/полос в работе.
func (s *Service) handleStatus() {
	if s.snapshot == nil {
		fmt.Println("status is not available")
		return
	}
	snap := s.snapshot()
	for _, sess := range snap.Sessions {
		fmt.Printf("session %-6s kind=%-4s state=%s\n", sess.ID, sess.Kind, sess.State)
	}
}

// handleStats дампит счётчики конвейера в человекочитаемом виде.
func (s *Service) handleStats() {
	if s.snapshot == nil {
		fmt.Println("stats are not available")
		return
	}
	snap := s.snapshot()
	fmt.Printf("buffer:  %s\n", pretty.Sprint(snap.Buffer))
	fmt.Printf("router:  %s\n", pretty.Sprint(snap.Router))
	fmt.Printf("gateway: %s\n", pretty.Sprint(snap.Gateway))
	if len(snap.Reports) > 0 {
		fmt.Printf("reports: %s\n", pretty.Sprint(snap.Reports))
	}
}

// handleLevel переключает уровень консольного логирования на лету.
func (s *Service) handleLevel(level string) {
	if level == "" {
		fmt.Println("usage: level <debug|info|warn|error>")
		return
	}
	if err := logger.SetLevel(level); err != nil {
		fmt.Println("level error:", err)
		return
	}
	fmt.Println("log level set to", level)
}

// printCommandHelp печатает список поддерживаемых команд и их описания.
func printCommandHelp() {
	fmt.Println("Available commands:")
	for _, descriptor := range commandDescriptors {
		fmt.Printf("  %-8s - %s\n", descriptor.name, descriptor.description)
	}
}

// joinCommandNames собирает строку имён команд для короткой подсказки.
func joinCommandNames(descriptors []commandDescriptor) string {
	names := make([]string, 0, len(descriptors))
	for _, d := range descriptors {
		names = append(names, d.name)
	}
	return strings.Join(names, ", ")
}
