package server

// HTMLPage is the browser UI. It places a send-only video call, asks the
// server for key frames and shows what the server parsed from Chrome's RTCP.
const HTMLPage = `<!DOCTYPE html>
<html>
<head>
    <meta charset="utf-8">
    <title>RTCP Feedback Chrome Interop Test</title>
    <style>
        body { font-family: system-ui, sans-serif; margin: 2em auto; max-width: 760px; color: #222; }
        header { border-bottom: 1px solid #ddd; margin-bottom: 1em; }
        button { padding: 8px 16px; margin-right: 6px; font-size: 14px; }
        #status { margin: 1em 0; padding: 8px; border-left: 4px solid #999; }
        #status[data-kind="connected"] { border-color: #2a7; }
        #status[data-kind="error"] { border-color: #c33; }
        video { width: 320px; background: #000; }
        pre { background: #f4f4f4; padding: 8px; font-size: 12px; max-height: 320px; overflow: auto; }
        li code { background: #f4f4f4; padding: 0 4px; }
    </style>
</head>
<body>
    <header>
        <h1>RTCP Feedback Chrome Interop Test</h1>
        <p>Chrome sends video; the Go session answers with RR, SDES, NACK and PLI.</p>
    </header>

    <button id="startBtn" onclick="startCall()">Start Call</button>
    <button id="keyFrameBtn" onclick="requestKeyFrame()" disabled>Request Key Frame</button>
    <button id="stopBtn" onclick="stopCall()" disabled>Stop Call</button>

    <div id="status" data-kind="idle">Idle</div>
    <video id="video" autoplay muted playsinline></video>

    <h3>Server view (/stats)</h3>
    <pre id="stats">[]</pre>

    <h3>What to check</h3>
    <ol>
        <li>Open <code>chrome://webrtc-internals</code> before starting the call.</li>
        <li><code>remote-inbound-rtp</code> appears once our receiver reports arrive.</li>
        <li>"Request Key Frame" raises <code>pliCount</code> on <code>outbound-rtp</code>.</li>
        <li>The server view shows Chrome's CNAME and sender report counts.</li>
    </ol>

    <script>
        let pc = null;
        let localStream = null;
        let statsTimer = null;

        function setStatus(text, kind) {
            const el = document.getElementById('status');
            el.textContent = text;
            el.dataset.kind = kind;
        }

        function setButtons(inCall) {
            document.getElementById('startBtn').disabled = inCall;
            document.getElementById('keyFrameBtn').disabled = !inCall;
            document.getElementById('stopBtn').disabled = !inCall;
        }

        async function pollStats() {
            try {
                const stats = await (await fetch('/stats')).json();
                document.getElementById('stats').textContent = JSON.stringify(stats, null, 2);
            } catch (err) {
                console.error('stats poll failed:', err);
            }
        }

        async function requestKeyFrame() {
            const result = await (await fetch('/keyframe', { method: 'POST' })).json();
            console.log('PLI sent on', result.requested, 'peers');
        }

        function iceGathered(conn) {
            return new Promise(resolve => {
                if (conn.iceGatheringState === 'complete') {
                    resolve();
                    return;
                }
                conn.onicecandidate = e => { if (e.candidate === null) resolve(); };
            });
        }

        async function startCall() {
            setButtons(true);
            try {
                setStatus('Requesting camera...', 'pending');
                localStream = await navigator.mediaDevices.getUserMedia({
                    video: { width: 640, height: 480, frameRate: 30 },
                    audio: false
                });
                document.getElementById('video').srcObject = localStream;

                pc = new RTCPeerConnection({ iceServers: [] });
                localStream.getTracks().forEach(track => pc.addTrack(track, localStream));
                pc.onconnectionstatechange = () => {
                    if (pc) setStatus('Connection ' + pc.connectionState,
                        pc.connectionState === 'failed' ? 'error' : 'connected');
                };

                await pc.setLocalDescription(await pc.createOffer());
                await iceGathered(pc);

                setStatus('Sending offer...', 'pending');
                const response = await fetch('/offer', {
                    method: 'POST',
                    headers: { 'Content-Type': 'application/json' },
                    body: JSON.stringify(pc.localDescription)
                });
                if (!response.ok) {
                    throw new Error('server returned ' + response.status);
                }
                await pc.setRemoteDescription(await response.json());
                statsTimer = setInterval(pollStats, 1000);
            } catch (err) {
                setStatus('Error: ' + err.message, 'error');
                stopCall();
            }
        }

        function stopCall() {
            if (statsTimer) {
                clearInterval(statsTimer);
                statsTimer = null;
            }
            if (pc) {
                pc.close();
                pc = null;
            }
            if (localStream) {
                localStream.getTracks().forEach(track => track.stop());
                localStream = null;
            }
            document.getElementById('video').srcObject = null;
            setButtons(false);
        }
    </script>
</body>
</html>`
