package main

import (
	"context"
	"log"
	"net"
	"strconv"
	"sync"
	"time"

	"landaudio/internal/config"
	"landaudio/internal/control"
	"landaudio/internal/discovery"
	"landaudio/internal/dsp/adapt"
	"landaudio/internal/engine"
	"landaudio/internal/handshake"
	"landaudio/internal/protocol"
	"landaudio/internal/receiver"
	"landaudio/internal/sender"
	"landaudio/internal/track"
)

// lossSmoothingAlpha weights each new loss-rate sample in the per-track EMA
// the bitrate adapter consumes.
const lossSmoothingAlpha = 0.3

// lanRttMs is the round-trip assumption fed to the bitrate adapter. There
// is no RTT probe in the data plane; on a LAN the true value is well under
// the adapter's step-up ceiling either way.
const lanRttMs = 1.0

const (
	sweepInterval = 1 * time.Second
	adaptInterval = 2 * time.Second
)

// App assembles the peer: one audio socket shared by the sender, receiver,
// and handshake exchanges; a discovery service; the track manager as the
// single source of truth; and the audio engine acting on manager events.
// Keep this struct thin — the components own their loops, App only wires
// them together.
type App struct {
	cfg     config.Config
	manager *track.Manager
	eng     *engine.Engine

	conn *net.UDPConn
	recv *receiver.Receiver
	disc *discovery.Service
	hs   *handshake.Manager

	// The audio target is the first peer that completes a handshake. One
	// peer-to-peer session at a time; the sender is created on connect.
	sendMu sync.Mutex
	snd    *sender.MultiTrack

	// Per-track playback routing: a bridge goroutine per receiving track
	// converts receiver packets into engine payloads.
	routeMu sync.Mutex
	routes  map[uint8]chan struct{}

	// Smoothed loss and current encoder rung per capture track, owned by
	// the adaptation loop.
	smoothedLoss map[uint8]float64
	bitrateKbps  map[uint8]int

	globalCh chan receiver.ReceivedPacket

	stopCh chan struct{}
	wg     sync.WaitGroup
}

// NewApp wires the core components but opens no sockets; call Start.
func NewApp(cfg config.Config) *App {
	caps := protocol.FullCapabilities()
	switch cfg.Role {
	case config.RoleSender:
		caps = protocol.SenderOnlyCapabilities()
	case config.RoleReceiver:
		caps = protocol.ReceiverOnlyCapabilities()
	}

	a := &App{
		cfg:          cfg,
		manager:      track.NewManager(),
		eng:          engine.New(),
		hs:           handshake.NewManager(cfg.Name, cfg.AudioPort, caps),
		routes:       make(map[uint8]chan struct{}),
		smoothedLoss: make(map[uint8]float64),
		bitrateKbps:  make(map[uint8]int),
		globalCh:     make(chan receiver.ReceivedPacket, 256),
		stopCh:       make(chan struct{}),
	}
	a.disc = discovery.NewService(caps.CanSend, cfg.AudioPort, cfg.Name)
	a.disc.OnPeer = a.onPeerDiscovered
	return a
}

// Start opens the audio socket and launches every worker loop.
func (a *App) Start() error {
	conn, err := net.ListenUDP("udp4", &net.UDPAddr{Port: int(a.cfg.AudioPort)})
	if err != nil {
		return err
	}
	a.conn = conn

	a.recv = receiver.New(conn)
	a.recv.SetControlHandler(a.onControlPacket)
	a.recv.SetGlobalChannel(a.globalCh)
	a.recv.Start()

	if err := a.disc.Start(); err != nil {
		a.recv.Stop()
		conn.Close()
		return err
	}

	a.wg.Add(4)
	go func() { defer a.wg.Done(); a.eventLoop() }()
	go func() { defer a.wg.Done(); a.implicitTrackLoop() }()
	go func() { defer a.wg.Done(); a.sweepLoop() }()
	go func() { defer a.wg.Done(); a.adaptLoop() }()

	log.Printf("peer %q listening on :%d (role %s)", a.cfg.Name, a.cfg.AudioPort, a.cfg.Role)
	return nil
}

// Run starts the control server on addr and blocks until ctx is cancelled,
// then shuts the peer down leaves-first, stopping the control server last.
func (a *App) Run(ctx context.Context) {
	srv := control.NewServer(a.manager, a.eng)
	srvCtx, stopSrv := context.WithCancel(context.Background())
	srvDone := make(chan struct{})
	go func() {
		defer close(srvDone)
		srv.Run(srvCtx, a.cfg.ControlAddr)
	}()
	<-ctx.Done()
	a.Stop()
	stopSrv()
	<-srvDone
}

// Stop tears the peer down: audio pipelines first, then the network loops,
// then discovery and the handshake sweep, so no callback fires into a
// component that is already gone.
func (a *App) Stop() {
	for _, t := range a.manager.List() {
		a.eng.StopCapture(t.ID)
		a.stopPlaybackRoute(t.ID)
	}

	a.sendMu.Lock()
	if a.snd != nil {
		a.snd.Stop()
		a.snd = nil
	}
	a.sendMu.Unlock()

	a.sayGoodbye()

	if a.recv != nil {
		a.recv.Stop()
	}
	a.disc.Stop()

	close(a.stopCh)
	a.wg.Wait()

	if a.conn != nil {
		a.conn.Close()
	}
}

// sayGoodbye notifies every connected peer that this one is leaving, so
// they can drop state immediately instead of waiting out the stale sweep.
func (a *App) sayGoodbye() {
	for _, p := range a.disc.Peers() {
		addr := &net.UDPAddr{IP: p.Addr.IP, Port: p.Addr.Port}
		if st, ok := a.hs.StateFor(addr); ok && st.Phase == handshake.PhaseConnected {
			a.writeHandshake(addr, protocol.NewGoodbyePacket(0))
		}
	}
}

func (a *App) writeHandshake(addr *net.UDPAddr, pkt *protocol.HandshakePacket) {
	if _, err := a.conn.WriteToUDP(pkt.Serialize(), addr); err != nil {
		log.Printf("handshake write to %s: %v", addr, err)
	}
}

// onPeerDiscovered fires once per new peer seen by discovery. Any peer with
// no handshake state yet gets a Hello on its audio socket, whatever its role.
func (a *App) onPeerDiscovered(p discovery.Peer) {
	log.Printf("discovered peer %q at %s (sender=%v)", p.Name, p.Addr.String(), p.IsSender)
	addr := &net.UDPAddr{IP: p.Addr.IP, Port: p.Addr.Port}
	if _, ok := a.hs.StateFor(addr); ok {
		return
	}
	hello := a.hs.Initiate(addr)
	a.writeHandshake(addr, hello)
}

// onControlPacket handles handshake traffic arriving on the shared audio
// socket. SyncRequest is answered here because only the app can see the
// track table; everything else is delegated to the state machine.
func (a *App) onControlPacket(addr *net.UDPAddr, pkt *protocol.HandshakePacket) {
	if pkt.Type == protocol.HandshakeSyncRequest {
		infos := make([]protocol.TrackInfo, 0, a.manager.Count())
		for _, t := range a.manager.List() {
			cfg := t.Config()
			infos = append(infos, protocol.TrackInfo{
				TrackID:    t.ID,
				Name:       t.Name(),
				Bitrate:    cfg.Bitrate,
				Channels:   cfg.Channels,
				FECEnabled: cfg.FECEnabled,
			})
		}
		a.writeHandshake(addr, protocol.NewSyncResponsePacket(pkt.SessionID, infos))
		return
	}

	if reply := a.hs.ProcessPacket(addr, pkt); reply != nil {
		a.writeHandshake(addr, reply)
	}

	if st, ok := a.hs.StateFor(addr); ok && st.Phase == handshake.PhaseConnected {
		a.ensureSender(addr.IP, st.AudioPort)
	}
}

// ensureSender creates the outgoing audio sender the first time any peer
// reaches the Connected state.
func (a *App) ensureSender(ip net.IP, audioPort uint16) {
	a.sendMu.Lock()
	defer a.sendMu.Unlock()
	if a.snd != nil {
		return
	}
	target := &net.UDPAddr{IP: ip, Port: int(audioPort)}
	s := sender.NewMultiTrack(sender.New(a.conn, target))
	s.Start()
	a.snd = s
	log.Printf("audio target: %s", target)
}

// sendAudio is the engine's SendFunc: it gates on mute/solo and drops
// silently when no peer is connected yet.
func (a *App) sendAudio(trackID uint8, payload []byte, timestamp uint64, stereo bool) uint32 {
	if !a.manager.ShouldOutput(trackID) {
		return 0
	}
	a.sendMu.Lock()
	snd := a.snd
	a.sendMu.Unlock()
	if snd == nil {
		return 0
	}
	t, ok := a.manager.Get(trackID)
	if ok {
		t.IncrementSent()
	}
	return snd.SendAudio(trackID, payload, timestamp, stereo)
}

// eventLoop acts on track manager events: this is the only path by which
// tracks acquire or lose audio pipelines.
func (a *App) eventLoop() {
	events := a.manager.Subscribe()
	for {
		select {
		case <-a.stopCh:
			return
		case e := <-events:
			switch e.Kind {
			case track.EventStarted:
				a.openPipelines(e.TrackID)
			case track.EventStopped, track.EventRemoved:
				a.closePipelines(e.TrackID)
			case track.EventDeviceChanged:
				if t, ok := a.manager.Get(e.TrackID); ok && t.IsRunning() {
					a.closePipelines(e.TrackID)
					a.openPipelines(e.TrackID)
				}
			}
		}
	}
}

// openPipelines inspects the track's bound device and opens a capture or
// playback pipeline accordingly. A StreamError moves the track to Error
// rather than tearing the peer down.
func (a *App) openPipelines(trackID uint8) {
	t, ok := a.manager.Get(trackID)
	if !ok {
		return
	}
	cfg := t.Config()

	deviceID, input, err := a.resolveDevice(cfg.DeviceID)
	if err != nil {
		log.Printf("track %d: device %q: %v", trackID, cfg.DeviceID, err)
		t.SetError(err.Error())
		return
	}

	if input {
		if _, err := a.eng.StartCapture(trackID, deviceID, cfg, a.sendAudio); err != nil {
			log.Printf("track %d: start capture: %v", trackID, err)
			t.SetError(err.Error())
			return
		}
		// Every non-music track (voice and low-latency) rides the adaptive
		// bitrate ladder; music tracks keep their configured rate.
		if cfg.TrackType != protocol.TrackTypeMusic {
			a.routeMu.Lock()
			a.bitrateKbps[trackID] = int(cfg.Bitrate / 1000)
			a.routeMu.Unlock()
		}
	} else {
		a.startPlaybackRoute(trackID, deviceID, cfg)
	}
}

func (a *App) closePipelines(trackID uint8) {
	a.eng.StopCapture(trackID)
	a.stopPlaybackRoute(trackID)
	a.routeMu.Lock()
	delete(a.bitrateKbps, trackID)
	delete(a.smoothedLoss, trackID)
	a.routeMu.Unlock()
}

// resolveDevice maps a track's device id string to an engine device index
// and whether it is an input. Empty means the default input (sender role)
// or default output.
func (a *App) resolveDevice(deviceID string) (int, bool, error) {
	if deviceID == "" {
		if id, err := a.eng.DefaultInput(); err == nil {
			return id, true, nil
		}
		id, err := a.eng.DefaultOutput()
		return id, false, err
	}
	id, err := strconv.Atoi(deviceID)
	if err != nil {
		return 0, false, err
	}
	inputs, err := a.eng.ListInputDevices()
	if err != nil {
		return 0, false, err
	}
	for _, d := range inputs {
		if d.ID == id {
			return id, true, nil
		}
	}
	return id, false, nil
}

// startPlaybackRoute registers the track with the receiver and bridges its
// packet channel into the engine's playback pipeline.
func (a *App) startPlaybackRoute(trackID uint8, deviceID int, cfg protocol.TrackConfig) {
	pktCh := make(chan receiver.ReceivedPacket, 64)
	payloadCh := make(chan engine.ReceivedPayload, 64)

	if _, err := a.eng.StartPlayback(trackID, deviceID, cfg, payloadCh); err != nil {
		log.Printf("track %d: start playback: %v", trackID, err)
		if t, ok := a.manager.Get(trackID); ok {
			t.SetError(err.Error())
		}
		return
	}
	a.recv.RegisterTrack(trackID, pktCh)

	stop := make(chan struct{})
	a.routeMu.Lock()
	a.routes[trackID] = stop
	a.routeMu.Unlock()

	a.wg.Add(1)
	go func() {
		defer a.wg.Done()
		for {
			select {
			case <-stop:
				return
			case p := <-pktCh:
				if !a.manager.ShouldOutput(trackID) {
					continue
				}
				if t, ok := a.manager.Get(trackID); ok {
					t.IncrementReceived()
				}
				select {
				case payloadCh <- engine.ReceivedPayload{
					Sequence:  p.Sequence,
					Timestamp: p.Timestamp,
					Payload:   p.Payload,
					HasFEC:    p.HasFEC,
				}:
				default:
				}
			}
		}
	}()
}

func (a *App) stopPlaybackRoute(trackID uint8) {
	a.routeMu.Lock()
	stop, ok := a.routes[trackID]
	if ok {
		delete(a.routes, trackID)
	}
	a.routeMu.Unlock()
	if !ok {
		return
	}
	close(stop)
	a.recv.UnregisterTrack(trackID)
	a.eng.StopPlayback(trackID)
}

// implicitTrackLoop watches the receiver's global channel for packets whose
// track id is unknown and creates a playback track for them, unless the id
// was user-deleted (tombstoned).
func (a *App) implicitTrackLoop() {
	for {
		select {
		case <-a.stopCh:
			return
		case p := <-a.globalCh:
			if _, ok := a.manager.Get(p.TrackID); ok {
				continue
			}
			cfg := protocol.DefaultTrackConfig()
			cfg.Name = "remote-" + strconv.Itoa(int(p.TrackID))
			if p.IsStereo {
				cfg.Channels = 2
			} else {
				cfg.Channels = 1
			}
			_, created, err := a.manager.EnsureImplicitTrack(p.TrackID, cfg)
			if err != nil || !created {
				continue
			}
			if err := a.manager.StartTrack(p.TrackID); err != nil {
				log.Printf("implicit track %d: start: %v", p.TrackID, err)
			}
		}
	}
}

// sweepLoop expires stale handshakes once per second.
func (a *App) sweepLoop() {
	ticker := time.NewTicker(sweepInterval)
	defer ticker.Stop()
	for {
		select {
		case <-a.stopCh:
			return
		case <-ticker.C:
			a.hs.CleanupStale(a.cfg.HandshakeTimeout)
		}
	}
}

// adaptLoop periodically re-tunes capture encoders from observed link
// quality. Loss seen on our playback tracks is used as the link-quality
// signal for outgoing audio as well: on a symmetric LAN path it is the
// best estimate available without a feedback channel.
func (a *App) adaptLoop() {
	ticker := time.NewTicker(adaptInterval)
	defer ticker.Stop()
	for {
		select {
		case <-a.stopCh:
			return
		case <-ticker.C:
			a.adaptOnce()
		}
	}
}

func (a *App) adaptOnce() {
	linkLoss := 0.0
	for _, t := range a.manager.List() {
		stats, ok := a.eng.PlaybackStats(t.ID)
		if !ok {
			continue
		}
		t.UpdateJitter(uint32(stats.JitterUs))

		a.routeMu.Lock()
		smoothed := adapt.SmoothLoss(a.smoothedLoss[t.ID], stats.LossRate(), lossSmoothingAlpha)
		a.smoothedLoss[t.ID] = smoothed
		a.routeMu.Unlock()
		if smoothed > linkLoss {
			linkLoss = smoothed
		}
	}

	a.routeMu.Lock()
	defer a.routeMu.Unlock()
	for id, current := range a.bitrateKbps {
		next := adapt.NextBitrate(current, linkLoss, lanRttMs)
		if next == current {
			continue
		}
		if a.eng.SetCaptureBitrate(id, next*1000) {
			a.bitrateKbps[id] = next
			log.Printf("track %d: bitrate %d -> %d kbps (loss %.1f%%)", id, current, next, linkLoss*100)
		}
	}
}
