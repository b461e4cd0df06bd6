package dockerimage

import "testing"

func TestStartCommand_Command(t *testing.T) {
	tests := []struct {
		name string
		sc   StartCommand
		want string
	}{
		{"entrypoint only", StartCommand{Entrypoint: []string{"/bin/run.sh"}}, "/bin/run.sh"},
		{"entrypoint and cmd", StartCommand{Entrypoint: []string{"nginx"}, Cmd: []string{"-g", "daemon off;"}}, "nginx -g daemon off;"},
		{"empty", StartCommand{}, ""},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := tt.sc.Command(); got != tt.want {
				t.Errorf("Command() = %q, want %q", got, tt.want)
			}
		})
	}
}
