package packer

// GetBuiltinRules 获取内置壳规则库
func GetBuiltinRules() []PackerRule {
	return []PackerRule{
		// 国产加固
		{
			Name:       "360 Jiagu",
			Type:       PackerTypeNative,
			NativeLibs: []string{"libjiagu.so", "libjiagu_x86.so", "libjiagu_a64.so", "libjiagu_x64.so"},
			Strings:    []string{"jiagu"},
			ClassNames: []string{"com.stub.StubApp", "com.qihoo.util.QHClassLoader"},
			FileSize:   FileSizeRule{DEXMaxKB: 100},
			Priority:   100,
		},
		{
			Name:       "Tencent Legu",
			Type:       PackerTypeNative,
			NativeLibs: []string{"libshell.so", "libshellx.so", "libtxmsecurity.so", "libshella-2.10.3.4.so"},
			Strings:    []string{"tosversion", "0oo0"},
			ClassNames: []string{"com.tencent.StubShell.TxAppEntry"},
			FileSize:   FileSizeRule{DEXMaxKB: 100},
			Priority:   100,
		},
		{
			Name:       "Ijiami",
			Type:       PackerTypeNative,
			NativeLibs: []string{"libexec.so", "libexecmain.so"},
			Strings:    []string{"ijiami"},
			ClassNames: []string{"com.shell.SuperApplication"},
			FileSize:   FileSizeRule{DEXMaxKB: 100},
			Priority:   100,
		},
		{
			Name:       "Bangcle",
			Type:       PackerTypeNative,
			NativeLibs: []string{"libDexHelper.so", "libDexHelper-x86.so", "libSecShell.so", "libSecShell-x86.so"},
			Strings:    []string{"secneo", "bangcle"},
			ClassNames: []string{"com.secneo.apkwrapper.ApplicationWrapper"},
			FileSize:   FileSizeRule{DEXMaxKB: 100},
			Priority:   100,
		},
		{
			Name:       "Nagapt",
			Type:       PackerTypeNative,
			NativeLibs: []string{"libnaga.so", "libddog.so", "libedog.so"},
			Strings:    []string{"nagapt"},
			ClassNames: []string{"com.nagapt.protect.StubApplication"},
			Priority:   95,
		},
		{
			Name:       "NetEase Yidun",
			Type:       PackerTypeNative,
			NativeLibs: []string{"libnesec.so", "libNetHTProtect.so"},
			Strings:    []string{"nesec"},
			ClassNames: []string{"com.netease.nis.wrapper.MyApplication"},
			Priority:   95,
		},
		{
			Name:       "Alibaba Security",
			Type:       PackerTypeNative,
			NativeLibs: []string{"libmobisec.so", "libsgmain.so", "libsgsecuritybody.so"},
			Strings:    []string{"aliprotect"},
			ClassNames: []string{"com.alibaba.wireless.security.open.SecurityGuardManager"},
			Priority:   95,
		},
		{
			Name:       "Baidu Protect",
			Type:       PackerTypeNative,
			NativeLibs: []string{"libbaiduprotect.so", "libcocklogic.so"},
			Strings:    []string{"baiduprotect"},
			ClassNames: []string{"com.baidu.protect.StubApplication"},
			Priority:   90,
		},
		{
			Name:       "Kiwisec",
			Type:       PackerTypeNative,
			NativeLibs: []string{"libkwscmm.so", "libkwscr.so"},
			Strings:    []string{"kiwisec"},
			ClassNames: []string{"com.kiwisec.android.loader.KWLoader"},
			Priority:   85,
		},
		// 国际加固
		{
			Name:       "DexGuard",
			Type:       PackerTypeDexEncrypt,
			Strings:    []string{"dexguard"},
			ClassNames: []string{"o.Oo", "o.OoO"},
			Priority:   80,
		},
		{
			Name:       "DexProtector",
			Type:       PackerTypeVMP,
			NativeLibs: []string{"libdexprotector.so"},
			Strings:    []string{"dexprotector"},
			Priority:   80,
		},
		{
			Name:       "AppSealing",
			Type:       PackerTypeNative,
			NativeLibs: []string{"libAppSealing.so", "libAppSealingCore.so"},
			Strings:    []string{"appsealing"},
			Priority:   75,
		},
	}
}
