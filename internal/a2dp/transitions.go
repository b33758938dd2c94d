package a2dp

// trigger is the key of the transition table: the event kind plus, for
// connection reports, the reported link state.
type trigger int

const (
	onConnect trigger = iota
	onDisconnect
	onLinkDisconnected
	onLinkConnecting
	onLinkConnected
	onLinkDisconnecting
	onAudio
	onCodec
	onTimeout
)

func triggerOf(ev event) (trigger, bool) {
	switch ev.kind {
	case kindCommand:
		switch ev.cmd {
		case CommandConnect:
			return onConnect, true
		case CommandDisconnect:
			return onDisconnect, true
		}
	case kindTimeout:
		return onTimeout, true
	case kindStack:
		switch ev.stack.Type {
		case EventAudioStateChanged:
			return onAudio, true
		case EventCodecConfigChanged:
			return onCodec, true
		case EventConnectionStateChanged:
			switch ev.stack.ConnectionState {
			case StateDisconnected:
				return onLinkDisconnected, true
			case StateConnecting:
				return onLinkConnecting, true
			case StateConnected:
				return onLinkConnected, true
			case StateDisconnecting:
				return onLinkDisconnecting, true
			}
		}
	}
	return 0, false
}

type handler func(m *StateMachine, ev event)

// transitionTable holds every (state, trigger) pair the machine reacts to.
// Anything missing is logged and ignored.
var transitionTable = map[ConnectionState]map[trigger]handler{
	StateDisconnected: {
		onConnect:        (*StateMachine).disconnectedConnect,
		onDisconnect:     ignore("already disconnected"),
		onLinkConnecting: (*StateMachine).disconnectedLinkConnecting,
		onLinkConnected:  (*StateMachine).disconnectedLinkConnected,
		onCodec:          codecConfigChanged,
	},
	StateConnecting: {
		onConnect:           deferCommand,
		onDisconnect:        (*StateMachine).connectingDisconnect,
		onLinkDisconnected:  linkDisconnected,
		onLinkConnected:     (*StateMachine).connectingLinkConnected,
		onLinkDisconnecting: (*StateMachine).linkDisconnecting,
		onCodec:             codecConfigChanged,
		onTimeout:           (*StateMachine).connectingTimeout,
	},
	StateConnected: {
		onConnect:           ignore("already connected"),
		onDisconnect:        (*StateMachine).connectedDisconnect,
		onLinkDisconnected:  linkDisconnected,
		onLinkDisconnecting: (*StateMachine).linkDisconnecting,
		onAudio:             (*StateMachine).connectedAudio,
		onCodec:             codecConfigChanged,
	},
	StateDisconnecting: {
		onConnect:          deferCommand,
		onDisconnect:       deferCommand,
		onLinkDisconnected: linkDisconnected,
		onLinkConnecting:   (*StateMachine).disconnectingLinkConnecting,
		onLinkConnected:    (*StateMachine).disconnectingLinkConnected,
		onCodec:            codecConfigChanged,
		onTimeout:          (*StateMachine).disconnectingTimeout,
	},
}

func ignore(reason string) handler {
	return func(m *StateMachine, ev event) {
		m.logger.WithField("event", ev).Infof("Ignoring: %s", reason)
	}
}

func deferCommand(m *StateMachine, ev event) {
	m.deferCommand(ev.cmd)
}

func codecConfigChanged(m *StateMachine, ev event) {
	m.processCodecConfigEvent(ev.stack.CodecStatus)
}

func linkDisconnected(m *StateMachine, _ event) {
	m.transitionTo(StateDisconnected)
}

// Outgoing attempts move on optimistically; a refused driver call converges through the alarm.
func (m *StateMachine) disconnectedConnect(event) {
	m.driverConnect()
	m.transitionTo(StateConnecting)
}

func (m *StateMachine) disconnectedLinkConnecting(event) {
	if !m.okToConnect(true) {
		m.logger.Warn("Incoming connection rejected by policy")
		m.driverDisconnect()
		m.disconnectAssociatedProfiles()
		return
	}
	m.transitionTo(StateConnecting)
}

func (m *StateMachine) disconnectedLinkConnected(event) {
	if !m.okToConnect(true) {
		m.logger.Warn("Incoming connected link rejected by policy")
		m.driverDisconnect()
		m.disconnectAssociatedProfiles()
		return
	}
	m.transitionTo(StateConnected)
}

func (m *StateMachine) connectingDisconnect(event) {
	m.cancelAlarm()
	m.driverDisconnect()
	m.transitionTo(StateDisconnected)
}

func (m *StateMachine) connectingLinkConnected(event) {
	m.transitionTo(StateConnected)
}

func (m *StateMachine) linkDisconnecting(event) {
	m.transitionTo(StateDisconnecting)
}

func (m *StateMachine) connectingTimeout(event) {
	m.logger.WithField("timeout", m.opts.ConnectTimeout).Warn("Connect timed out")
	m.driverDisconnect()
	m.transitionTo(StateDisconnected)
}

func (m *StateMachine) connectedDisconnect(event) {
	m.driverDisconnect()
	m.transitionTo(StateDisconnecting)
}

func (m *StateMachine) connectedAudio(ev event) {
	m.processAudioState(ev.stack.AudioState)
}

func (m *StateMachine) disconnectingLinkConnecting(event) {
	if !m.okToConnect(true) {
		m.logger.Warn("Reconnect while disconnecting rejected by policy")
		m.driverDisconnect()
		m.transitionTo(StateDisconnected)
		return
	}
	m.transitionTo(StateConnecting)
}

func (m *StateMachine) disconnectingLinkConnected(event) {
	if !m.okToConnect(true) {
		m.logger.Warn("Connected link while disconnecting rejected by policy")
		m.driverDisconnect()
		m.transitionTo(StateDisconnected)
		return
	}
	m.transitionTo(StateConnected)
}

func (m *StateMachine) disconnectingTimeout(event) {
	m.logger.WithField("timeout", m.opts.ConnectTimeout).Warn("Disconnect timed out, forcing Disconnected")
	m.driverDisconnect()
	m.transitionTo(StateDisconnected)
}
